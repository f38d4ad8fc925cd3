package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

// authCmd manages the local identity this CLI presents to a remote `vm
// serve` daemon via the x-vm-user/x-vm-email headers (pkg/httpapi's
// withAuth). It does not implement the auth proxy itself — issuing or
// verifying credentials for that proxy is out of scope here.
var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage the local identity presented to a remote vm daemon",
}

type authIdentity struct {
	User    string `json:"user"`
	Email   string `json:"email,omitempty"`
	Current bool   `json:"current,omitempty"`
}

type authStore struct {
	Identities []authIdentity `json:"identities"`
}

func authFilePath(rt *runtime) string {
	return filepath.Join(rt.plat.ConfigDir(), "auth.json")
}

func loadAuthStore(rt *runtime) (*authStore, error) {
	data, err := os.ReadFile(authFilePath(rt))
	if os.IsNotExist(err) {
		return &authStore{}, nil
	}
	if err != nil {
		return nil, err
	}
	var s authStore
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func saveAuthStore(rt *runtime, s *authStore) error {
	if err := os.MkdirAll(rt.plat.ConfigDir(), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(authFilePath(rt), data, 0o600)
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the identity currently presented to a remote daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		s, err := loadAuthStore(rt)
		if err != nil {
			return err
		}
		for _, id := range s.Identities {
			if id.Current {
				fmt.Printf("active: %s <%s>\n", id.User, id.Email)
				return nil
			}
		}
		fmt.Println("no active identity; falling back to $USER for local operations")
		return nil
	},
}

var authAddCmd = &cobra.Command{
	Use:   "add <user>",
	Short: "Add an identity and make it active",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		email, _ := cmd.Flags().GetString("email")
		s, err := loadAuthStore(rt)
		if err != nil {
			return err
		}
		for i := range s.Identities {
			s.Identities[i].Current = false
		}
		s.Identities = append(s.Identities, authIdentity{User: args[0], Email: email, Current: true})
		if err := saveAuthStore(rt, s); err != nil {
			return err
		}
		fmt.Printf("added and activated %s\n", args[0])
		return nil
	},
}

var authListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known identities",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		s, err := loadAuthStore(rt)
		if err != nil {
			return err
		}
		for _, id := range s.Identities {
			marker := " "
			if id.Current {
				marker = "*"
			}
			fmt.Printf("%s %-20s %s\n", marker, id.User, id.Email)
		}
		return nil
	},
}

var authRemoveCmd = &cobra.Command{
	Use:   "remove <user>",
	Short: "Remove a known identity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		s, err := loadAuthStore(rt)
		if err != nil {
			return err
		}
		kept := s.Identities[:0]
		removed := false
		for _, id := range s.Identities {
			if id.User == args[0] {
				removed = true
				continue
			}
			kept = append(kept, id)
		}
		if !removed {
			return fmt.Errorf("identity %s not found", args[0])
		}
		s.Identities = kept
		if err := saveAuthStore(rt, s); err != nil {
			return err
		}
		fmt.Printf("removed %s\n", args[0])
		return nil
	},
}

var authInteractiveCmd = &cobra.Command{
	Use:   "interactive",
	Short: "Prompt for a user and email and activate them",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		reader := bufio.NewReader(os.Stdin)
		fmt.Print("user: ")
		user, _ := reader.ReadString('\n')
		fmt.Print("email: ")
		email, _ := reader.ReadString('\n')

		user = trimNewline(user)
		email = trimNewline(email)
		if user == "" {
			return fmt.Errorf("user is required")
		}

		s, err := loadAuthStore(rt)
		if err != nil {
			return err
		}
		for i := range s.Identities {
			s.Identities[i].Current = false
		}
		s.Identities = append(s.Identities, authIdentity{User: user, Email: email, Current: true})
		if err := saveAuthStore(rt, s); err != nil {
			return err
		}
		fmt.Printf("activated %s\n", user)
		return nil
	},
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func init() {
	authAddCmd.Flags().String("email", "", "Email to present alongside the user header")

	authCmd.AddCommand(authStatusCmd)
	authCmd.AddCommand(authAddCmd)
	authCmd.AddCommand(authListCmd)
	authCmd.AddCommand(authRemoveCmd)
	authCmd.AddCommand(authInteractiveCmd)
}
