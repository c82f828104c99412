package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"golang.org/x/crypto/bcrypt"

	"github.com/openclaw/sandbox-controller-go/internal/util"
)

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader, stdout io.Writer) error {
	flagSet := pflag.NewFlagSet("hash-password", pflag.ContinueOnError)
	cost := flagSet.IntP("cost", "c", 12, "bcrypt cost")
	fromStdin := flagSet.Bool("stdin", false, "read the password from the first line of stdin")
	flagSet.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: hash-password [--cost N] <password>\n       hash-password --stdin < password.txt\n\n")
		flagSet.PrintDefaults()
	}

	if err := flagSet.Parse(args); err != nil {
		return err
	}

	if *cost < bcrypt.MinCost || *cost > bcrypt.MaxCost {
		return fmt.Errorf("cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
	}

	var password string
	switch {
	case *fromStdin:
		line, err := bufio.NewReader(stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read stdin: %w", err)
		}
		password = strings.TrimRight(line, "\r\n")
	case flagSet.NArg() == 1:
		password = flagSet.Arg(0)
	default:
		flagSet.Usage()
		return errors.New("expected exactly one password argument")
	}

	if password == "" {
		return errors.New("password must not be empty")
	}

	hash, err := util.HashPassword(password, *cost)
	if err != nil {
		return err
	}

	fmt.Fprintln(stdout, hash)
	return nil
}
