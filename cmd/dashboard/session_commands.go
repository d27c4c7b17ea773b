package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tmclubs/tmclub-dashboard-sub000/internal/apiclient"
	"github.com/tmclubs/tmclub-dashboard-sub000/internal/credstore"
	"github.com/tmclubs/tmclub-dashboard-sub000/internal/sessionkit"
)

var errMissingCredentials = errors.New("cli.missing_credentials")

func newLoginCommand() *cobra.Command {
	loginCmd := &cobra.Command{
		Use:     "login",
		Short:   "Sign in and persist the session credentials",
		PreRunE: prepareSessionConfig,
		RunE:    runLogin,
	}
	loginCmd.Flags().String("username", "", "Account username")
	loginCmd.Flags().String("password", "", "Account password (or DASHBOARD_PASSWORD)")
	return loginCmd
}

func runLogin(command *cobra.Command, arguments []string) error {
	username := strings.TrimSpace(stringFlagOrConfig(command, "username"))
	password := stringFlagOrConfig(command, "password")
	if username == "" || password == "" {
		return fmt.Errorf("cli.login: username and password are required: %w", errMissingCredentials)
	}
	return withSession(command, func(wired *sessionRuntime) error {
		user, err := wired.manager.Login(commandContext(command), username, password)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(command.OutOrStdout(), "Signed in as %s (%s)\n", user.DisplayName(), wired.resolver.ResolveRole(user.Role))
		return nil
	})
}

func newRegisterCommand() *cobra.Command {
	registerCmd := &cobra.Command{
		Use:     "register",
		Short:   "Create an account and sign in",
		PreRunE: prepareSessionConfig,
		RunE:    runRegister,
	}
	registerCmd.Flags().String("username", "", "Account username")
	registerCmd.Flags().String("email", "", "Account email")
	registerCmd.Flags().String("password", "", "Account password (or DASHBOARD_PASSWORD)")
	registerCmd.Flags().String("first_name", "", "First name")
	for _, key := range []string{"email", "first_name"} {
		_ = viper.BindPFlag(key, registerCmd.Flags().Lookup(key))
	}
	return registerCmd
}

func runRegister(command *cobra.Command, arguments []string) error {
	username := strings.TrimSpace(stringFlagOrConfig(command, "username"))
	password := stringFlagOrConfig(command, "password")
	if username == "" || password == "" {
		return fmt.Errorf("cli.register: username and password are required: %w", errMissingCredentials)
	}
	request := apiclient.RegisterRequest{
		Username:  username,
		Email:     strings.TrimSpace(viper.GetString("email")),
		Password:  password,
		FirstName: strings.TrimSpace(viper.GetString("first_name")),
	}
	return withSession(command, func(wired *sessionRuntime) error {
		user, err := wired.manager.Register(commandContext(command), request)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(command.OutOrStdout(), "Registered and signed in as %s (%s)\n", user.DisplayName(), wired.resolver.ResolveRole(user.Role))
		return nil
	})
}

func newLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "logout",
		Short:   "Clear the persisted session",
		PreRunE: prepareSessionConfig,
		RunE: func(command *cobra.Command, arguments []string) error {
			return withSession(command, func(wired *sessionRuntime) error {
				wired.manager.Logout(commandContext(command))
				_, _ = fmt.Fprintln(command.OutOrStdout(), "Signed out")
				return nil
			})
		},
	}
}

func newWhoAmICommand() *cobra.Command {
	return &cobra.Command{
		Use:     "whoami",
		Short:   "Show the signed-in user, refreshing the session when it is close to expiry",
		PreRunE: prepareSessionConfig,
		RunE:    runWhoAmI,
	}
}

func runWhoAmI(command *cobra.Command, arguments []string) error {
	return withSession(command, func(wired *sessionRuntime) error {
		ctx := commandContext(command)
		snapshot, err := wired.manager.Enforce(ctx)
		if err != nil {
			if errors.Is(err, sessionkit.ErrNoCredentials) {
				return fmt.Errorf("cli.whoami: not signed in: %w", err)
			}
			return fmt.Errorf("cli.whoami: %w", err)
		}
		output := command.OutOrStdout()
		_, _ = fmt.Fprintf(output, "user: %s\n", displayUser(snapshot.User))
		_, _ = fmt.Fprintf(output, "role: %s\n", wired.resolver.ResolveRole(snapshot.Role()))
		_, _ = fmt.Fprintf(output, "validity: %s\n", wired.manager.Validity(ctx))
		_, _ = fmt.Fprintf(output, "expires_at: %s\n", snapshot.ExpiresAt.Format(time.RFC3339))
		return nil
	})
}

func withSession(command *cobra.Command, action func(*sessionRuntime) error) error {
	sessionConfig, err := sessionConfigFrom(command)
	if err != nil {
		return err
	}
	logger, loggerErr := newLogger()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	wired, buildErr := buildSession(commandContext(command), sessionConfig, nil, logger)
	if buildErr != nil {
		return buildErr
	}
	defer wired.Close()
	return action(wired)
}

func stringFlagOrConfig(command *cobra.Command, name string) string {
	if flag := command.Flags().Lookup(name); flag != nil && flag.Changed {
		return flag.Value.String()
	}
	return viper.GetString(name)
}

func displayUser(user *credstore.UserProfile) string {
	if user == nil {
		return "(profile unavailable)"
	}
	if name := user.DisplayName(); name != user.Username {
		return fmt.Sprintf("%s (%s)", user.Username, name)
	}
	return user.Username
}
