package commands

import (
	"fmt"
	"strconv"
	"strings"

	"tilevault/pkg/array"

	"github.com/spf13/cobra"
)

var (
	createAttrs    []string
	createDomain   []int64
	createTile     uint64
	createCapacity uint64
)

var createCmd = &cobra.Command{
	Use:   "create [array]",
	Short: "Create an array",
	Long: `Create an array schema. Attributes are given as name:cellsize, or name:cellsize:var for
variable-sized attributes. The domain is a flat list of inclusive [lo, hi] pairs, one per dimension.`,
	Example: `  tvctl create images --attr pixel:1 --domain 0,1048575 --tile 65536`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		arrayURI, err := TV.ArrayURI(args[0])
		if err != nil {
			return err
		}

		// 1. 解析属性
		attrs := make([]array.Attribute, 0, len(createAttrs))
		for _, raw := range createAttrs {
			a, err := parseAttribute(raw)
			if err != nil {
				return err
			}
			attrs = append(attrs, a)
		}
		if len(createDomain) == 0 || len(createDomain)%2 != 0 {
			return fmt.Errorf("--domain needs lo,hi pairs, got %d values", len(createDomain))
		}

		schema := &array.Schema{
			URI:          arrayURI,
			Attributes:   attrs,
			DimNum:       len(createDomain) / 2,
			Domain:       createDomain,
			CellsPerTile: createTile,
			Capacity:     createCapacity,
		}

		// 2. 持久化
		if err := TV.Manager.CreateArray(cmd.Context(), schema); err != nil {
			return fmt.Errorf("create failed: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✅ Created array %s (%d attributes, %d dimensions)\n", arrayURI, len(attrs), schema.DimNum)
		return nil
	},
}

// parseAttribute 解析 name:cellsize[:var]
func parseAttribute(raw string) (array.Attribute, error) {
	parts := strings.Split(raw, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return array.Attribute{}, fmt.Errorf("invalid attribute %q, want name:cellsize[:var]", raw)
	}
	size, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return array.Attribute{}, fmt.Errorf("invalid cell size in %q: %w", raw, err)
	}
	a := array.Attribute{Name: parts[0], CellSize: size}
	if len(parts) == 3 {
		if parts[2] != "var" {
			return array.Attribute{}, fmt.Errorf("invalid attribute flag %q in %q", parts[2], raw)
		}
		a.VarSize = true
	}
	return a, nil
}

func bindCreateFlags() {
	createCmd.ResetFlags()
	createCmd.Flags().StringSliceVar(&createAttrs, "attr", nil, "attribute as name:cellsize[:var] (repeatable)")
	createCmd.Flags().Int64SliceVar(&createDomain, "domain", nil, "domain as lo,hi pairs per dimension")
	createCmd.Flags().Uint64Var(&createTile, "tile", 1024, "cells per tile for dense fragments")
	createCmd.Flags().Uint64Var(&createCapacity, "capacity", 1024, "cells per tile for sparse fragments")
}

func init() {
	bindCreateFlags()
	rootCmd.AddCommand(createCmd)
}
