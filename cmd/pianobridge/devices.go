package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/MrWong99/pianobridge/internal/app"
	"github.com/MrWong99/pianobridge/pkg/audio"
)

func devicesCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List capture devices and the resolved built-in input",
		Long: `List the capture devices the audio engine can open, with the IDs the
relay uses for them. The device matching audio.builtin_input is marked; it is
the alternate input selected by the console's toggle command.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(*configPath, cmd.Flags().Changed("config"))
			if err != nil {
				return err
			}
			eng, err := app.NewMalgoEngine(cfg.Audio)
			if err != nil {
				return err
			}
			defer eng.Shutdown()

			devs, err := eng.CaptureDevices()
			if err != nil {
				return err
			}
			builtin := eng.ResolveInput(cfg.Audio.BuiltinInput)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "  %d: system default\n", audio.DeviceDefault)
			for _, d := range devs {
				mark := " "
				if d.ID == builtin {
					mark = "*"
				}
				fmt.Fprintf(out, "%s %s\n", mark, d)
			}
			if cfg.Audio.BuiltinInput != "" && builtin == audio.DeviceDefault {
				fmt.Fprintf(out, "no device matches builtin_input %q; toggle stays on the system default\n", cfg.Audio.BuiltinInput)
			}
			return nil
		},
	}
}
