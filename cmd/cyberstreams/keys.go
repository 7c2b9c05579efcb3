package main

import (
	"encoding/json"
	"fmt"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/gustycube/cyberstreams/internal/auth"
	"github.com/gustycube/cyberstreams/internal/credential"
	"github.com/gustycube/cyberstreams/internal/ratelimit"
	"github.com/spf13/cobra"
)

var (
	keyName  string
	keyUser  string
	keyPerms []string
	keyRPM   int64
	keyRPH   int64
	keyRPD   int64
	keysJSON bool
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage API keys in the credential database",
}

var keysCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Mint a new API key",
	Long: `Mints a key and prints it once. Only its fingerprint is stored, so the
key cannot be recovered later. Use -1 for an unlimited window.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		for _, p := range keyPerms {
			if !slices.Contains(auth.KnownPermissions, p) {
				return fmt.Errorf("unknown permission %q (known: %v)", p, auth.KnownPermissions)
			}
		}
		store, done, err := openKeyStore(cmd)
		if err != nil {
			return err
		}
		defer done()

		key, rec, err := store.Create(cmd.Context(), credential.NewKey{
			Name:        keyName,
			UserID:      keyUser,
			Permissions: keyPerms,
			RPM:         keyRPM,
			RPH:         keyRPH,
			RPD:         keyRPD,
		})
		if err != nil {
			return err
		}
		if keysJSON {
			return writeJSON(cmd, map[string]any{"apiKey": key, "key": rec})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created %s for %s\n", rec.ID, rec.UserID)
		fmt.Fprintf(cmd.OutOrStdout(), "api key: %s\n", key)
		return nil
	},
}

var keysRevokeCmd = &cobra.Command{
	Use:   "revoke <api-key>",
	Short: "Revoke an API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, done, err := openKeyStore(cmd)
		if err != nil {
			return err
		}
		defer done()
		if err := store.Revoke(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "revoked")
		return nil
	},
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List API keys, optionally for one user",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		store, done, err := openKeyStore(cmd)
		if err != nil {
			return err
		}
		defer done()
		recs, err := store.List(cmd.Context(), keyUser)
		if err != nil {
			return err
		}
		if keysJSON {
			return writeJSON(cmd, recs)
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tUSER\tPERMISSIONS\tRPM/RPH/RPD\tREVOKED\tLAST USED")
		for _, r := range recs {
			last := "-"
			if r.LastUsedAt != nil {
				last = r.LastUsedAt.Format(time.RFC3339)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%v\t%s/%s/%s\t%t\t%s\n",
				r.ID, r.Name, r.UserID, r.Permissions,
				ratelimit.Format(r.RateLimitRPM), ratelimit.Format(r.RateLimitRPH), ratelimit.Format(r.RateLimitRPD),
				r.IsRevoked, last)
		}
		return tw.Flush()
	},
}

func init() {
	cf := keysCreateCmd.Flags()
	cf.StringVar(&keyName, "name", "", "display name (required)")
	cf.StringSliceVar(&keyPerms, "perm", nil, "permission to grant, repeatable (default search,stream)")
	cf.Int64Var(&keyRPM, "rpm", 0, "requests per minute")
	cf.Int64Var(&keyRPH, "rph", 0, "requests per hour")
	cf.Int64Var(&keyRPD, "rpd", 0, "requests per day")
	_ = keysCreateCmd.MarkFlagRequired("name")

	keysCmd.PersistentFlags().StringVar(&keyUser, "user", "", "owning user id")
	keysCmd.PersistentFlags().BoolVar(&keysJSON, "json", false, "print JSON")

	keysCmd.AddCommand(keysCreateCmd, keysRevokeCmd, keysListCmd)
	rootCmd.AddCommand(keysCmd)
}

// openKeyStore opens the durable credential store; keys created against the
// in-memory store would vanish with the process.
func openKeyStore(cmd *cobra.Command) (credential.Store, func(), error) {
	a, err := newApp(cmd.Context(), cmd)
	if err != nil {
		return nil, nil, err
	}
	store, err := a.credentials(true)
	if err != nil {
		a.close()
		return nil, nil, err
	}
	return store, a.close, nil
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
