package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/giggle/lingo/pkg/dispatcher"
	"github.com/giggle/lingo/pkg/events"
	"github.com/giggle/lingo/pkg/lock"
	"github.com/giggle/lingo/pkg/registry"
	"github.com/giggle/lingo/pkg/storage"
	"github.com/giggle/lingo/pkg/types"
)

// Task commands
var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage translation tasks",
}

var taskSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Create a task and dispatch it",
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		audio, _ := cmd.Flags().GetString("audio")
		source, _ := cmd.Flags().GetString("source")
		targets, _ := cmd.Flags().GetStringSlice("target")

		if text == "" && audio == "" {
			return fmt.Errorf("one of --text or --audio is required")
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := context.Background()

		b, err := openBroker(ctx, cfg)
		if err != nil {
			return err
		}
		defer b.Close()

		store, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		locks := lock.NewService(b)
		bus := events.NewBus()
		bus.Start()
		defer bus.Stop()
		sub := watchEvents(bus)
		defer bus.Unsubscribe(sub)

		task, err := store.InsertTask(ctx, &types.Task{
			SourceLanguage:  source,
			TargetLanguages: targets,
			TextContent:     text,
			AudioFilePath:   audio,
			OriginalText:    text,
		})
		if err != nil {
			return err
		}
		bus.Publish(events.NewEvent(events.EventTaskCreated, "task created", map[string]string{
			"task_id": task.ID,
		}))

		reg := registry.New(b, store, locks, registry.Config{
			LivenessWindow:  cfg.Dispatch.LivenessWindow.Std(),
			NodeCapacity:    cfg.Dispatch.NodeCapacity,
			SelectionShards: cfg.Dispatch.SelectionShards,
		})
		disp := dispatcher.New(store, b, reg, locks, bus, dispatcher.Config{
			NodeCapacity:     cfg.Dispatch.NodeCapacity,
			MaxRetryAttempts: cfg.Dispatch.MaxRetryAttempts,
		})

		if err := disp.Dispatch(ctx, task); err != nil {
			return err
		}

		final, err := store.GetTask(ctx, task.ID)
		if err != nil {
			return err
		}
		fmt.Printf("Task %s submitted (%s)\n", final.ID, final.Status)
		return nil
	},
}

var taskGetCmd = &cobra.Command{
	Use:   "get TASK_ID",
	Short: "Show a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := context.Background()

		store, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		task, err := store.GetTask(ctx, args[0])
		if err != nil {
			return err
		}

		fmt.Printf("ID:               %s\n", task.ID)
		fmt.Printf("Status:           %s\n", task.Status)
		fmt.Printf("Source Language:  %s\n", task.SourceLanguage)
		fmt.Printf("Target Languages: %s\n", strings.Join(task.TargetLanguages, ", "))
		if task.AudioFilePath != "" {
			fmt.Printf("Audio File:       %s\n", task.AudioFilePath)
		}
		if task.AssignedNodeID != "" {
			fmt.Printf("Assigned Node:    %s\n", task.AssignedNodeID)
		}
		if task.ResultFilePath != "" {
			fmt.Printf("Result File:      %s\n", task.ResultFilePath)
		}
		if task.Accuracy > 0 {
			fmt.Printf("Accuracy:         %.2f\n", task.Accuracy)
		}
		if task.ErrorMessage != "" {
			fmt.Printf("Error:            %s\n", task.ErrorMessage)
		}
		fmt.Printf("Retries:          %d\n", task.RetryCount)
		fmt.Printf("Created:          %s\n", task.CreatedAt.Format(time.RFC3339))
		fmt.Printf("Updated:          %s\n", task.UpdatedAt.Format(time.RFC3339))
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		source, _ := cmd.Flags().GetString("source")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := context.Background()

		store, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		tasks, err := store.ListTasks(ctx, storage.TaskFilter{
			Status:         types.TaskStatus(strings.ToUpper(status)),
			SourceLanguage: source,
		})
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tSOURCE\tTARGETS\tNODE\tRETRIES\tCREATED")
		for _, t := range tasks {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
				t.ID, t.Status, t.SourceLanguage,
				strings.Join(t.TargetLanguages, ","),
				t.AssignedNodeID, t.RetryCount,
				t.CreatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel TASK_ID",
	Short: "Cancel a task",
	Long: `Cancel a task. The repository status moves to CANCELLED first;
if the task was already handed to a node, a cancel message is then sent
on that node's control queue so the worker stops the work.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		taskID := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := context.Background()

		b, err := openBroker(ctx, cfg)
		if err != nil {
			return err
		}
		defer b.Close()

		store, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		task, err := store.GetTask(ctx, taskID)
		if err != nil {
			return err
		}

		moved, err := store.MarkCancelled(ctx, taskID)
		if err != nil {
			return err
		}
		if !moved {
			fmt.Printf("Task %s is already %s\n", taskID, task.Status)
			return nil
		}

		if task.AssignedNodeID != "" {
			locks := lock.NewService(b)
			reg := registry.New(b, store, locks, registry.Config{})
			disp := dispatcher.New(store, b, reg, locks, nil, dispatcher.Config{})
			if err := disp.Cancel(ctx, taskID, task.AssignedNodeID); err != nil {
				return err
			}
		}

		fmt.Printf("Task %s cancelled\n", taskID)
		return nil
	},
}

func init() {
	taskCmd.AddCommand(taskSubmitCmd)
	taskCmd.AddCommand(taskGetCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskCancelCmd)

	taskSubmitCmd.Flags().String("text", "", "Text content to translate")
	taskSubmitCmd.Flags().String("audio", "", "Path to the audio file to transcribe")
	taskSubmitCmd.Flags().String("source", "auto", "Source language")
	taskSubmitCmd.Flags().StringSlice("target", nil, "Target language (repeatable)")
	taskSubmitCmd.MarkFlagRequired("target")

	taskListCmd.Flags().String("status", "", "Filter by status")
	taskListCmd.Flags().String("source", "", "Filter by source language")
}

// Node commands
var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Inspect worker nodes",
}

var nodeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List nodes advertised in the broker",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := context.Background()

		b, err := openBroker(ctx, cfg)
		if err != nil {
			return err
		}
		defer b.Close()

		store, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		locks := lock.NewService(b)
		reg := registry.New(b, store, locks, registry.Config{
			LivenessWindow: cfg.Dispatch.LivenessWindow.Std(),
			NodeCapacity:   cfg.Dispatch.NodeCapacity,
		})

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tHOST\tSTATUS\tCPU%\tMEM%\tGPU\tTASKS\tLAST HEARTBEAT")
		for _, n := range reg.ListAll(ctx) {
			gpu := "no"
			if n.GPUAvailable {
				gpu = "yes"
			}
			fmt.Fprintf(w, "%s\t%s:%d\t%s\t%.1f\t%.1f\t%s\t%d\t%s\n",
				n.ID, n.Host, n.Port, n.Status,
				n.CPUUsage, n.MemoryPercent(), gpu,
				n.ActiveTaskCount,
				n.LastHeartbeat.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

func init() {
	nodeCmd.AddCommand(nodeListCmd)
}
