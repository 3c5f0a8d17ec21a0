// Copyright 2025 The Pipenv Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// pipenv-lock resolves the dependencies declared in a Pipfile and writes the
// deterministic lock document, or checks an existing one for staleness.
package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pypa/pipenv-sub002/lock"
	"github.com/pypa/pipenv-sub002/pipfile"
	"github.com/pypa/pipenv-sub002/requirement"
	"github.com/pypa/pipenv-sub002/resolver"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type flags struct {
	pipfile    string
	lockfile   string
	pre        bool
	categories []string
	platforms  []string
	clearCache bool
	retryOlder bool
	workers    int
	verbose    bool
}

func newRootCmd() *cobra.Command {
	var f flags
	root := &cobra.Command{
		Use:          "pipenv-lock",
		Short:        "Deterministic dependency locking for Pipfiles",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&f.pipfile, "pipfile", "Pipfile", "path to the Pipfile")
	root.PersistentFlags().StringVar(&f.lockfile, "lockfile", "Pipfile.lock", "path to the lock file")
	root.PersistentFlags().BoolVarP(&f.verbose, "verbose", "v", false, "enable debug logging")

	lockCmd := &cobra.Command{
		Use:   "lock",
		Short: "Resolve dependencies and write the lock file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLock(cmd, &f)
		},
	}
	lockCmd.Flags().BoolVar(&f.pre, "pre", false, "allow pre-release versions")
	lockCmd.Flags().StringSliceVar(&f.categories, "categories", nil, "dependency categories to lock (default, develop)")
	lockCmd.Flags().StringSliceVar(&f.platforms, "platform", nil, "platform tags hashes must cover (default: all)")
	lockCmd.Flags().BoolVar(&f.clearCache, "clear-cache", false, "discard warmed metadata between resolution attempts")
	lockCmd.Flags().BoolVar(&f.retryOlder, "retry-older-on-hash-error", false, "exclude unhashable versions and resolve again")
	lockCmd.Flags().IntVar(&f.workers, "workers", 0, "concurrent metadata fetches (0 for default)")

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Verify the lock file matches the Pipfile without resolving",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd, &f)
		},
	}

	root.AddCommand(lockCmd, checkCmd)
	return root
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return cfg.Build()
}

func newLocker(f *flags, log *zap.Logger) (*lock.Locker, error) {
	pf, err := pipfile.Load(f.pipfile)
	if err != nil {
		return nil, err
	}
	var cats []requirement.Category
	for _, c := range f.categories {
		switch requirement.Category(c) {
		case requirement.Default, requirement.Develop:
			cats = append(cats, requirement.Category(c))
		default:
			return nil, fmt.Errorf("unknown category %q", c)
		}
	}
	return lock.NewLocker(pf, lock.Options{
		AllowPrereleases:      f.pre,
		Categories:            cats,
		TargetPlatforms:       f.platforms,
		ClearCache:            f.clearCache,
		RetryOlderOnHashError: f.retryOlder,
		Workers:               f.workers,
		Logger:                log,
	})
}

func runLock(cmd *cobra.Command, f *flags) error {
	log, err := newLogger(f.verbose)
	if err != nil {
		return err
	}
	defer log.Sync()

	l, err := newLocker(f, log)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	doc, err := l.Lock(ctx, f.lockfile, true)
	if err != nil {
		var conflict *resolver.ConflictError
		if errors.As(err, &conflict) {
			fmt.Fprintln(cmd.ErrOrStderr(), "Could not find a version that satisfies the requirements:")
			fmt.Fprintln(cmd.ErrOrStderr(), conflict.Error())
			return fmt.Errorf("resolution failed for %s", strings.Join(conflict.Involved(), ", "))
		}
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Locked %d default and %d develop packages to %s\n",
		len(doc.Default), len(doc.Develop), f.lockfile)
	return nil
}

func runCheck(cmd *cobra.Command, f *flags) error {
	l, err := newLocker(f, zap.NewNop())
	if err != nil {
		return err
	}
	stale, mismatches, err := l.Check(f.lockfile)
	if err != nil {
		return err
	}
	if stale {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s is out of date: %s\n", f.lockfile, strings.Join(mismatches, ", "))
		return lock.ErrStale
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s is up to date\n", f.lockfile)
	return nil
}
