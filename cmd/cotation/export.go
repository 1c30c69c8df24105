package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/soaringjerry/Cotation/internal/services"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the cotations of a grid as CSV",
	RunE: func(cmd *cobra.Command, args []string) error {
		gridID, _ := cmd.Flags().GetString("grid")
		format, _ := cmd.Flags().GetString("format")
		patientID, _ := cmd.Flags().GetString("patient")
		out, _ := cmd.Flags().GetString("out")

		ctx := cmd.Context()
		store, closeDB, err := openSQLite(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer closeDB()

		g, err := services.NewGridService(store, logger).GetGrid(ctx, services.SystemActor(), gridID)
		if err != nil {
			return err
		}
		cotations := services.NewCotationService(store, logger)
		var list []*services.Cotation
		if patientID != "" {
			list, err = cotations.ListByPatient(ctx, patientID, g.ID)
		} else {
			list, err = cotations.ListByGrid(ctx, g.ID, time.Time{}, time.Time{})
		}
		if err != nil {
			return err
		}

		var data []byte
		switch format {
		case "long":
			data, err = services.ExportLongCSV(list)
		case "wide":
			data, err = services.ExportWideCSV(list)
		case "domain":
			data, err = services.ExportDomainCSV(g.Domains, list)
		default:
			return fmt.Errorf("unknown format %q (long|wide|domain)", format)
		}
		if err != nil {
			return err
		}

		var w io.Writer = cmd.OutOrStdout()
		if out != "" {
			f, err := os.Create(out)
			if err != nil {
				return err
			}
			defer f.Close()
			w = f
		}
		_, err = w.Write(data)
		return err
	},
}

func init() {
	exportCmd.Flags().String("grid", "", "grid id")
	exportCmd.Flags().String("format", "long", "csv layout (long|wide|domain)")
	exportCmd.Flags().String("patient", "", "restrict to one patient")
	exportCmd.Flags().StringP("out", "o", "", "output file (default stdout)")
	_ = exportCmd.MarkFlagRequired("grid")
}
