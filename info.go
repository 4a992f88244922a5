package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"tileproxy/internal/sources"
)

var infoCmd = &cobra.Command{
	Use:   "info [source...]",
	Short: "Load the configured sources and print their status and info",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := InitRegistry(cmd.Context(), configPath)
		if err != nil {
			return err
		}
		return printInfo(cmd, reg, args)
	},
}

func printInfo(cmd *cobra.Command, reg *sources.Sources, ids []string) error {
	out := cmd.OutOrStdout()
	list := reg.Sources()
	if len(ids) > 0 {
		list = list[:0:0]
		for _, id := range ids {
			src, err := reg.GetSourceByID(id, true)
			if err != nil {
				return err
			}
			list = append(list, src)
		}
	}
	for _, src := range list {
		if err := writeSourceInfo(cmd, out, src); err != nil {
			return err
		}
	}
	return nil
}

func writeSourceInfo(cmd *cobra.Command, out io.Writer, src *sources.Source) error {
	if src.IsDisabled() {
		_, err := fmt.Fprintf(out, "%s\tdisabled\t%v\n", src.ID, src.Disabled)
		return err
	}
	visibility := "private"
	if src.Public {
		visibility = "public"
	}
	info, err := src.Handler().Info(cmd.Context())
	if err != nil {
		return fmt.Errorf("info of %s: %w", src.ID, err)
	}
	data, err := json.MarshalIndent(info, "  ", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "%s\t%s\t%s\n  %s\n", src.ID, visibility, src.URI, data)
	return err
}
