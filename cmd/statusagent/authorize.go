package main

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/radarbase/statusagent"
	"github.com/radarbase/statusagent/internal/binding"
	"github.com/radarbase/statusagent/internal/source"
	"github.com/spf13/cobra"
)

func newAuthorizeCmd() *cobra.Command {
	var (
		flagType         string
		flagRegistered   []string
		flagDeclared     []string
		flagDynamic      []string
		flagCheckVersion bool
		flagRequires     bool
	)

	cmd := &cobra.Command{
		Use:   "authorize",
		Short: "Check whether a source type may register",
		Long: `authorize evaluates the source authorization rule: a type that needs
registration is allowed only when a registered source matches it and a
declared type allowing dynamic registration matches it too. Types are given as
producer/model[/version].`,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseSourceType(flagType)
			if err != nil {
				return err
			}
			id.RequiresRegistration = flagRequires

			sources := source.NewRegistry()
			for i, raw := range flagRegistered {
				t, err := parseSourceType(raw)
				if err != nil {
					return err
				}
				if err := sources.Register(source.Metadata{ID: fmt.Sprintf("registered-%d", i), Type: t}); err != nil {
					return err
				}
			}
			for _, raw := range flagDeclared {
				t, err := parseSourceType(raw)
				if err != nil {
					return err
				}
				sources.DeclareType(t)
			}
			for _, raw := range flagDynamic {
				t, err := parseSourceType(raw)
				if err != nil {
					return err
				}
				t.DynamicRegistration = true
				sources.DeclareType(t)
			}

			mgr := binding.NewManager(statusagent.WorkerType, nil, sources)
			ok := mgr.IsAuthorizedFor(id, flagCheckVersion)
			fmt.Fprintf(cmd.OutOrStdout(), "%s authorized=%t\n", id, ok)
			return nil
		},
	}

	cmd.Flags().StringVar(&flagType, "type", "", "Source type to check (producer/model[/version])")
	cmd.Flags().BoolVar(&flagRequires, "requires-registration", true, "Whether the type needs registration")
	cmd.Flags().StringSliceVar(&flagRegistered, "registered", nil, "Registered source type (repeatable)")
	cmd.Flags().StringSliceVar(&flagDeclared, "declared", nil, "Declared source type (repeatable)")
	cmd.Flags().StringSliceVar(&flagDynamic, "dynamic", nil, "Declared source type allowing dynamic registration (repeatable)")
	cmd.Flags().BoolVar(&flagCheckVersion, "check-version", false, "Require matching catalog versions")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func parseSourceType(raw string) (source.Type, error) {
	parts := strings.Split(strings.TrimSpace(raw), "/")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return source.Type{}, errors.Errorf("invalid source type %q, want producer/model[/version]", raw)
	}
	t := source.Type{Producer: parts[0], Model: parts[1]}
	if len(parts) == 3 {
		t.CatalogVersion = parts[2]
	}
	return t, nil
}
