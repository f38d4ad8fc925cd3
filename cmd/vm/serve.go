package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/vm/pkg/httpapi"
	"github.com/cuemby/vm/pkg/metrics"
	"github.com/cuemby/vm/pkg/provisioner"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the provisioner loop and HTTP API as a long-running daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		addr, _ := cmd.Flags().GetString("addr")

		loop := provisioner.New(provisioner.Config{DataRoot: rt.dataDir}, rt.store, rt.ports, rt.svc, rt.broker, rt.providers)
		loop.Start()

		collector := metrics.NewCollector(rt.store, rt.svc, rt.ports)
		collector.Start()

		metrics.SetVersion(Version)
		metrics.RegisterComponent("store", true, "")
		metrics.RegisterComponent("provisioner", true, "")

		server := httpapi.NewServer(rt.store, loop)
		errCh := make(chan error, 1)
		go func() {
			errCh <- server.Start(addr)
		}()

		fmt.Printf("vm daemon listening on %s (data dir %s)\n", addr, rt.dataDir)
		fmt.Println("Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
		case err := <-errCh:
			fmt.Fprintf(os.Stderr, "\nhttp api error: %v\n", err)
		}

		collector.Stop()
		loop.Stop()

		fmt.Println("shutdown complete")
		return nil
	},
}

func init() {
	serveCmd.Flags().String("addr", ":8080", "Address for the HTTP API to listen on")
}
