package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/vm/pkg/provider"
	"github.com/cuemby/vm/pkg/types"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Back up, restore and reset a shared database service",
}

func dbServiceKind(cmd *cobra.Command) types.ServiceKind {
	kind, _ := cmd.Flags().GetString("service")
	if kind == "" {
		kind = string(types.ServicePostgres)
	}
	return types.ServiceKind(kind)
}

// dbDumpArgv and dbRestoreArgv name the well-known CLI each shared
// database image ships, matching the env vars ServiceDriver.envFor sets
// when it started the container.
func dbDumpArgv(kind types.ServiceKind, password string) ([]string, error) {
	switch kind {
	case types.ServicePostgres:
		return []string{"sh", "-c", "PGPASSWORD=" + password + " pg_dump -U vm -F c vm"}, nil
	case types.ServiceMongo:
		return []string{"sh", "-c", "mongodump --archive --username vm --password " + password + " --authenticationDatabase admin"}, nil
	default:
		return nil, fmt.Errorf("db backup/restore is not supported for service %q", kind)
	}
}

func dbRestoreArgv(kind types.ServiceKind, password string) ([]string, error) {
	switch kind {
	case types.ServicePostgres:
		return []string{"sh", "-c", "PGPASSWORD=" + password + " pg_restore -U vm -d vm --clean --if-exists"}, nil
	case types.ServiceMongo:
		return []string{"sh", "-c", "mongorestore --archive --username vm --password " + password + " --authenticationDatabase admin"}, nil
	default:
		return nil, fmt.Errorf("db backup/restore is not supported for service %q", kind)
	}
}

func dbResetArgv(kind types.ServiceKind, password string) ([]string, error) {
	switch kind {
	case types.ServicePostgres:
		return []string{"sh", "-c", "PGPASSWORD=" + password + " psql -U vm -d postgres -c 'DROP DATABASE IF EXISTS vm' -c 'CREATE DATABASE vm'"}, nil
	case types.ServiceMongo:
		return []string{"sh", "-c", "mongosh --username vm --password " + password + " --authenticationDatabase admin --eval 'db.getSiblingDB(\"vm\").dropDatabase()'"}, nil
	default:
		return nil, fmt.Errorf("db reset is not supported for service %q", kind)
	}
}

// dbContainer resolves the running shared-service container ID and the
// password ServiceDriver.Start generated for it.
func dbContainer(rt *runtime, kind types.ServiceKind) (string, string, error) {
	state := rt.svc.State(kind)
	if state == nil || state.ContainerID == "" {
		return "", "", fmt.Errorf("shared service %s is not running", kind)
	}
	password, err := rt.svc.Password(kind)
	if err != nil {
		return "", "", fmt.Errorf("read %s password: %w", kind, err)
	}
	return state.ContainerID, password, nil
}

// runDBDump implements both `db backup` and `db export`: they share the
// same dump format (pg_dump -F c / mongodump --archive are already
// portable, container-independent archives).
func runDBDump(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	kind := dbServiceKind(cmd)
	containerID, password, err := dbContainer(rt, kind)
	if err != nil {
		return err
	}
	argv, err := dbDumpArgv(kind, password)
	if err != nil {
		return err
	}

	f, err := os.Create(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	code, err := rt.containerP.Exec(context.Background(), containerID, provider.ExecOptions{
		Cmd: argv, Stdout: f, Stderr: os.Stderr,
	})
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("dump exited with code %d", code)
	}
	fmt.Printf("wrote %s dump to %s\n", kind, args[0])
	return nil
}

// runDBLoad implements both `db restore` and `db import`.
func runDBLoad(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	kind := dbServiceKind(cmd)
	containerID, password, err := dbContainer(rt, kind)
	if err != nil {
		return err
	}
	argv, err := dbRestoreArgv(kind, password)
	if err != nil {
		return err
	}

	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	code, err := rt.containerP.Exec(context.Background(), containerID, provider.ExecOptions{
		Cmd: argv, Stdin: f, Stdout: os.Stdout, Stderr: os.Stderr,
	})
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("load exited with code %d", code)
	}
	fmt.Printf("loaded %s from %s\n", kind, args[0])
	return nil
}

var dbBackupCmd = &cobra.Command{
	Use:   "backup <dest-file>",
	Short: "Dump a shared database's contents to a file",
	Args:  cobra.ExactArgs(1),
	RunE:  runDBDump,
}

var dbRestoreCmd = &cobra.Command{
	Use:   "restore <src-file>",
	Short: "Restore a shared database from a previously backed-up file",
	Args:  cobra.ExactArgs(1),
	RunE:  runDBLoad,
}

var dbExportCmd = &cobra.Command{
	Use:   "export <dest-file>",
	Short: "Export a shared database to a portable archive",
	Args:  cobra.ExactArgs(1),
	RunE:  runDBDump,
}

var dbImportCmd = &cobra.Command{
	Use:   "import <src-file>",
	Short: "Import a shared database from a portable archive",
	Args:  cobra.ExactArgs(1),
	RunE:  runDBLoad,
}

var dbResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop and recreate a shared database",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		kind := dbServiceKind(cmd)
		containerID, password, err := dbContainer(rt, kind)
		if err != nil {
			return err
		}
		argv, err := dbResetArgv(kind, password)
		if err != nil {
			return err
		}

		code, err := rt.containerP.Exec(context.Background(), containerID, provider.ExecOptions{
			Cmd: argv, Stdout: os.Stdout, Stderr: os.Stderr,
		})
		if err != nil {
			return err
		}
		if code != 0 {
			return fmt.Errorf("reset exited with code %d", code)
		}
		fmt.Printf("reset %s\n", kind)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{dbBackupCmd, dbRestoreCmd, dbExportCmd, dbImportCmd, dbResetCmd} {
		c.Flags().String("service", string(types.ServicePostgres), "Shared service to operate on (postgresql|mongodb)")
	}

	dbCmd.AddCommand(dbBackupCmd)
	dbCmd.AddCommand(dbRestoreCmd)
	dbCmd.AddCommand(dbExportCmd)
	dbCmd.AddCommand(dbImportCmd)
	dbCmd.AddCommand(dbResetCmd)
}
