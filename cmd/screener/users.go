package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/Nike5170/Screener/internal/config"
	"github.com/Nike5170/Screener/internal/users"
)

var (
	userChatID    string
	userToken     string
	userOverwrite bool
)

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Manage push-hub users",
	Long:  "Create, remove, and list users against the configured store (JSON file or Postgres).",
}

var usersAddCmd = &cobra.Command{
	Use:   "add <user_id>",
	Short: "Create a user and print its access token",
	Args:  cobra.ExactArgs(1),
	RunE:  runUsersAdd,
}

var usersRemoveCmd = &cobra.Command{
	Use:   "remove <user_id>",
	Short: "Remove a user",
	Args:  cobra.ExactArgs(1),
	RunE:  runUsersRemove,
}

var usersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List users with their chat ids and filters",
	RunE:  runUsersList,
}

func init() {
	usersAddCmd.Flags().StringVar(&userChatID, "chat-id", "", "Telegram chat_id for direct alerts (optional)")
	usersAddCmd.Flags().StringVar(&userToken, "token", "", "set the token explicitly instead of generating one")
	usersAddCmd.Flags().BoolVar(&userOverwrite, "overwrite", false, "replace the user if it already exists")

	usersCmd.AddCommand(usersAddCmd)
	usersCmd.AddCommand(usersRemoveCmd)
	usersCmd.AddCommand(usersListCmd)
	rootCmd.AddCommand(usersCmd)
}

func openUserStore() (users.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return users.New(cfg.Users)
}

func runUsersAdd(cmd *cobra.Command, args []string) error {
	store, err := openUserStore()
	if err != nil {
		return err
	}

	profile, err := store.CreateUser(args[0], userChatID, userToken, userOverwrite)
	if err != nil {
		return err
	}

	fmt.Println("OK: user created")
	fmt.Println("user_id:", profile.UserID)
	fmt.Println("token:  ", profile.Token)
	if profile.ChatID != "" {
		fmt.Println("chat_id:", profile.ChatID)
	}
	return nil
}

func runUsersRemove(cmd *cobra.Command, args []string) error {
	store, err := openUserStore()
	if err != nil {
		return err
	}

	if err := store.RemoveUser(args[0]); err != nil {
		return err
	}
	fmt.Println("OK: user removed:", args[0])
	return nil
}

func runUsersList(cmd *cobra.Command, args []string) error {
	store, err := openUserStore()
	if err != nil {
		return err
	}

	profiles := store.AllUsers()
	ids := make([]string, 0, len(profiles))
	for id := range profiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	if len(ids) == 0 {
		fmt.Println("no users")
		return nil
	}

	for _, id := range ids {
		p := profiles[id]
		fmt.Printf("%s", id)
		if p.ChatID != "" {
			fmt.Printf("  chat_id=%s", p.ChatID)
		}
		fmt.Println()
		for _, key := range config.FilterKeys {
			fmt.Printf("    %-18s %.0f\n", key, p.Filters[key])
		}
	}
	return nil
}
