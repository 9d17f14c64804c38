package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/NYCip/pdc-pos-offline-sub001/pkg/pin"
)

var setpinGenerate bool

var setpinCmd = &cobra.Command{
	Use:   "setpin <user-id> <login> [pin]",
	Short: "Hash and store an offline PIN for a user",
	Long: `Stores an Argon2id digest of the given PIN in the local user cache.
This is the admin path; normally digests arrive from the backend while online.

With --generate a random PIN is created and printed once.`,
	Args: cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid user id %q", args[0])
		}
		login := args[1]

		var rawPIN string
		switch {
		case setpinGenerate:
			rawPIN, err = pin.Generate(cfg.Auth.PINLength)
			if err != nil {
				return err
			}
		case len(args) == 3:
			rawPIN = args[2]
		default:
			return fmt.Errorf("provide a PIN or use --generate")
		}

		eng, err := newEngine()
		if err != nil {
			return err
		}
		defer eng.Stop()

		if err := eng.SetPIN(cmd.Context(), userID, login, rawPIN); err != nil {
			return err
		}

		if setpinGenerate {
			cmd.Printf("PIN for %s (user %d): %s\n", login, userID, rawPIN)
			cmd.Println("This PIN is not recoverable; only its digest is stored.")
		} else {
			cmd.Printf("PIN stored for %s (user %d)\n", login, userID)
		}
		return nil
	},
}

func init() {
	setpinCmd.Flags().BoolVar(&setpinGenerate, "generate", false, "Generate a random PIN")
}
