// Copyright 2025 Market Spine Authors
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

// Package registry implements the spine registry commands.
package registry

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/marketspine/spine/internal/commands/shared"
)

// NewCommand creates the registry command group
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Inspect registered pipelines",
	}

	cmd.AddCommand(newListCommand())

	return cmd
}

// domainListing is one domain's registered names.
type domainListing struct {
	Domain    string   `json:"domain"`
	Pipelines []string `json:"pipelines"`
	Periods   []string `json:"periods,omitempty"`
	Sources   []string `json:"sources,omitempty"`
}

func newListCommand() *cobra.Command {
	var domain string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered pipelines, periods, and sources",
		Example: `  spine registry list
  spine registry list --domain finra --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := shared.OpenRuntime(ctx)
			if err != nil {
				return shared.NewInvalidInputError("startup failed", err)
			}
			defer rt.Close()

			listings := collectListings(rt, domain)

			if shared.GetJSON() {
				return shared.EmitJSON(struct {
					shared.JSONResponse
					Domains []domainListing `json:"domains"`
				}{
					JSONResponse: shared.JSONResponse{Version: "1.0", Command: "registry list", Success: true},
					Domains:      listings,
				})
			}

			if len(listings) == 0 {
				cmd.Println("nothing registered")
				return nil
			}
			for _, l := range listings {
				cmd.Println(shared.Header.Render(l.Domain))
				for _, p := range l.Pipelines {
					cmd.Println("  " + p)
				}
				if len(l.Periods) > 0 {
					cmd.Println("  " + shared.RenderLabel("periods:") + " " + strings.Join(l.Periods, ", "))
				}
				if len(l.Sources) > 0 {
					cmd.Println("  " + shared.RenderLabel("sources:") + " " + strings.Join(l.Sources, ", "))
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&domain, "domain", "", "Limit to one domain")

	return cmd
}

// collectListings groups registered names by their first dotted
// segment.
func collectListings(rt *shared.Runtime, only string) []domainListing {
	byDomain := make(map[string][]string)
	var order []string
	for _, name := range rt.Registry.List() {
		d := domainOf(name)
		if only != "" && d != only {
			continue
		}
		if _, seen := byDomain[d]; !seen {
			order = append(order, d)
		}
		byDomain[d] = append(byDomain[d], name)
	}

	listings := make([]domainListing, 0, len(order))
	for _, d := range order {
		sub := rt.Registry.Domain(d)
		listings = append(listings, domainListing{
			Domain:    d,
			Pipelines: byDomain[d],
			Periods:   sub.Periods.Names(),
			Sources:   sub.Sources.Names(),
		})
	}
	return listings
}

func domainOf(pipelineName string) string {
	if i := strings.Index(pipelineName, "."); i > 0 {
		return pipelineName[:i]
	}
	return pipelineName
}
