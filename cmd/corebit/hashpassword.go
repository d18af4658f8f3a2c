package main

import (
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/corebit/corebit/internal/auth"
)

var readPassword = term.ReadPassword

// hashPasswordCmd prints the bcrypt hash of a password so operators can
// provision ADMIN_RECOVERY_PASSWORD as a hash instead of plaintext.
var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password [password]",
	Short: "Print the bcrypt hash of a password",
	Long:  `Hashes a password with bcrypt for use in ADMIN_RECOVERY_PASSWORD. With no argument the password is read from the terminal without echo.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var password string
		if len(args) == 1 {
			password = args[0]
		} else {
			fmt.Fprint(os.Stderr, "Password: ")
			raw, err := readPassword(int(syscall.Stdin))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return fmt.Errorf("read password: %w", err)
			}
			password = strings.TrimSpace(string(raw))
		}
		if password == "" {
			return fmt.Errorf("password is empty")
		}
		if err := auth.ValidatePasswordComplexity(password); err != nil {
			return err
		}

		hash, err := auth.HashPassword(password)
		if err != nil {
			return fmt.Errorf("hash password: %w", err)
		}
		fmt.Println(hash)
		return nil
	},
}
