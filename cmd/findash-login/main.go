// Command findash-login obtains backend tokens and stores them in the local
// database, where the server and the worker pick them up.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"findash/internal/backend"
	"findash/internal/cli"
	"findash/internal/log"
)

func main() {
	var (
		username = flag.String("username", os.Getenv("FINDASH_USERNAME"), "backend username (env FINDASH_USERNAME)")
		email    = flag.String("email", os.Getenv("FINDASH_EMAIL"), "email, used with -register (env FINDASH_EMAIL)")
		password = flag.String("password", "", "password; prefer env FINDASH_PASSWORD")
		register = flag.Bool("register", false, "create the user before logging in")
		logout   = flag.Bool("logout", false, "clear the stored session and exit")
	)
	flag.Parse()
	if *password == "" {
		*password = os.Getenv("FINDASH_PASSWORD")
	}

	cfg, logger := cli.LoadAndValidateConfig(log.ComponentSession)
	repo := cli.InitSQLite(logger, cfg.SQLiteDBPath)
	defer repo.Close()

	client, sessions := cli.InitBackend(logger, cfg, repo)

	ctx, cancel := context.WithTimeout(context.Background(), 2*cfg.BackendTimeout)
	defer cancel()

	if *logout {
		if err := sessions.Clear(ctx); err != nil {
			logger.Error("Failed to clear session", log.FieldError, err)
			os.Exit(1)
		}
		fmt.Println("Logged out.")
		return
	}

	if err := validate(*username, *email, *password, *register); err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(2)
	}

	start := time.Now()
	var err error
	if *register {
		sess, regErr := client.Register(ctx, backend.Registration{
			Username:  *username,
			Email:     *email,
			Password:  *password,
			Password2: *password,
		})
		if regErr == nil {
			err = sessions.Set(ctx, sess)
		}
		err = errors.Join(regErr, err)
	} else {
		sess, loginErr := client.Login(ctx, backend.Credentials{Username: *username, Password: *password})
		if loginErr == nil {
			err = sessions.Set(ctx, sess)
		}
		err = errors.Join(loginErr, err)
	}
	if err != nil {
		logger.Error("Login failed", log.FieldError, err, "username", *username, log.FieldBackendURL, cfg.BackendURL)
		os.Exit(1)
	}

	logger.Info("Session stored", "username", *username, log.FieldDuration, time.Since(start).Milliseconds())
	fmt.Printf("Logged in as %s.\n", *username)
}

func validate(username, email, password string, register bool) error {
	var errs []error
	if username == "" {
		errs = append(errs, errors.New("username is required"))
	}
	if password == "" {
		errs = append(errs, errors.New("password is required"))
	}
	if register && email == "" {
		errs = append(errs, errors.New("email is required with -register"))
	}
	return errors.Join(errs...)
}
