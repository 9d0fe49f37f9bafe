package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"gatekeeper.evalgo.org/auth"
	"gatekeeper.evalgo.org/security"
)

func init() {
	RootCmd.AddCommand(userAddCmd)
	addUserFlags(userAddCmd)
}

func addUserFlags(cmd *cobra.Command) {
	cmd.Flags().String("email", "", "account email (required)")
	cmd.Flags().String("password", "", "account password (required)")
	cmd.Flags().String("first-name", "", "first name")
	cmd.Flags().String("last-name", "", "last name")
	cmd.Flags().String("role", auth.RoleUser, "role: user or admin")
	cmd.Flags().Bool("inactive", false, "create the account disabled")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
}

var userAddCmd = &cobra.Command{
	Use:   "useradd",
	Short: "create a user in the configured user store",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		app := &App{Config: cfg, Logger: logger}
		if err := app.openUsers(); err != nil {
			return err
		}
		defer app.Close()

		user, err := newUserFromFlags(cmd)
		if err != nil {
			return err
		}
		if err := app.Users.CreateUser(cmd.Context(), user); err != nil {
			return fmt.Errorf("create user %s: %w", user.Email, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created user %s (%s)\n", user.Email, user.ID)
		return nil
	},
}

func newUserFromFlags(cmd *cobra.Command) (*auth.User, error) {
	email, _ := cmd.Flags().GetString("email")
	password, _ := cmd.Flags().GetString("password")
	firstName, _ := cmd.Flags().GetString("first-name")
	lastName, _ := cmd.Flags().GetString("last-name")
	role, _ := cmd.Flags().GetString("role")
	inactive, _ := cmd.Flags().GetBool("inactive")

	email = auth.NormalizeEmail(email)
	if email == "" || password == "" {
		return nil, fmt.Errorf("%w: email and password are required", auth.ErrValidation)
	}
	if role != auth.RoleUser && role != auth.RoleAdmin {
		return nil, fmt.Errorf("%w: unknown role %q", auth.ErrValidation, role)
	}

	hash, err := security.HashPassword(password)
	if err != nil {
		return nil, err
	}
	return &auth.User{
		Email:        email,
		FirstName:    firstName,
		LastName:     lastName,
		Role:         role,
		IsActive:     !inactive,
		PasswordHash: hash,
	}, nil
}
