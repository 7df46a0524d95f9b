package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jkatigb/storai-app/internal/config"
	"github.com/jkatigb/storai-app/internal/model"
	"github.com/jkatigb/storai-app/internal/workflow"
)

const demoOwner = "demo"

var (
	demoTheme      string
	demoIllustrate bool
	demoReject     bool
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Walk one story session to completion with the offline generator",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		cfg.ArkMock = true
		cfg.AutoAdvance = true
		cfg.IllustrateSections = demoIllustrate
		cfg.CacheDB = ""

		logger, closer, err := config.InitLogger(cfg)
		if err != nil {
			return err
		}
		defer closer.Close()

		a, err := buildApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		params := model.StoryParameters{
			AgeRange:   "4-6",
			Themes:     []string{demoTheme},
			Moral:      "kindness makes everyone braver",
			Characters: []model.Character{{Name: "Luna", Description: "a curious rabbit", Role: "hero"}},
			Setting:    "an enchanted forest",
			Tone:       "whimsical",
		}
		return runDemo(cmd.Context(), a.machine, params, demoReject, cmd.OutOrStdout(), logger)
	},
}

func init() {
	demoCmd.Flags().StringVar(&demoTheme, "theme", "friendship", "story theme")
	demoCmd.Flags().BoolVar(&demoIllustrate, "illustrate", false, "generate scene images after each section")
	demoCmd.Flags().BoolVar(&demoReject, "reject-first", false, "reject the first review once to show a revision")
}

// runDemo 自动审核直到完成，打印预览
func runDemo(ctx context.Context, m *workflow.Machine, params model.StoryParameters, rejectFirst bool, out io.Writer, log logrus.FieldLogger) error {
	snap, err := m.Start(ctx, demoOwner, params)
	if err != nil {
		return err
	}
	id := snap.SessionID
	for !snap.Complete {
		if !snap.RequiresFeedback {
			if snap, err = m.Advance(ctx, id, demoOwner); err != nil {
				return err
			}
			continue
		}
		approved := true
		feedback := "looks good"
		if rejectFirst {
			approved, feedback, rejectFirst = false, "please add more detail", false
		}
		log.WithFields(logrus.Fields{"step": snap.CurrentStep, "approved": approved}).Info("review")
		if snap, err = m.Submit(ctx, id, demoOwner, feedback, approved); err != nil {
			return err
		}
	}

	preview, err := m.Preview(ctx, id, demoOwner)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s\n%s\n\n", preview.Title, strings.Repeat("=", len(preview.Title)))
	data, err := json.MarshalIndent(preview, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}
