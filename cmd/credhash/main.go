package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"
	"unicode"

	"github.com/venturahub/creditd/internal/platform/credential"
)

// credhash hashes a login key or a 4 digit panel PIN for direct storage
// in admin_accounts. Useful when seeding the first owner account.
func main() {
	pin := flag.Bool("pin", false, "treat the secret as a 4 digit PIN")
	flag.Parse()

	secret, err := readSecret(flag.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "read secret: %v\n", err)
		os.Exit(1)
	}
	if *pin && !validPIN(secret) {
		fmt.Fprintln(os.Stderr, "pin must be exactly 4 digits")
		os.Exit(1)
	}
	hash, err := credential.Hash(secret)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hash secret: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(hash)
}

func validPIN(pin string) bool {
	if len(pin) != 4 {
		return false
	}
	for _, r := range pin {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func readSecret(args []string) (string, error) {
	if len(args) > 0 && strings.TrimSpace(args[0]) != "" {
		return args[0], nil
	}
	info, err := os.Stdin.Stat()
	if err != nil {
		return "", err
	}
	if info.Mode()&os.ModeCharDevice != 0 {
		return "", fmt.Errorf("provide secret as arg or stdin")
	}
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && len(line) == 0 {
		return "", err
	}
	secret := strings.TrimSpace(line)
	if secret == "" {
		return "", fmt.Errorf("secret is empty")
	}
	return secret, nil
}
