package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/droverhq/drover/pkg/config"
	"github.com/droverhq/drover/pkg/jobs"
	"github.com/droverhq/drover/pkg/pool"
	"github.com/droverhq/drover/pkg/types"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	faint  = color.New(color.Faint).SprintFunc()
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show worker pool and queue status",
	Long: `Print the locally tracked worker instances and the queue counts from
the last successful poll. Reads only local state; the store is not
contacted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		workers, err := pool.NewPool(cfg.PoolDir())
		if err != nil {
			return err
		}
		instances, err := workers.All()
		if err != nil {
			return err
		}

		printInstances(instances)
		fmt.Println()
		printQueues(jobs.LoadState(cfg.StatePath()))
		return nil
	},
	SilenceUsage: true,
}

func printInstances(instances []*types.Instance) {
	fmt.Printf("Workers (%d tracked)\n", len(instances))
	if len(instances) == 0 {
		fmt.Printf("  %s\n", faint("none"))
		return
	}

	sort.Slice(instances, func(i, j int) bool {
		return instances[i].StartedAt.Before(instances[j].StartedAt)
	})
	for _, inst := range instances {
		state := green("live")
		if !pool.Alive(inst.PID) {
			state = yellow("finished")
		}
		task := inst.TaskID
		if task == "" {
			task = faint("taskless")
		}
		fmt.Printf("  %-20s pid %-8d %-10s %s  %s\n",
			inst.Blueprint, inst.PID, state, task,
			faint("up "+time.Since(inst.StartedAt).Round(time.Second).String()))
	}
}

func printQueues(state *jobs.StateFile) {
	poll := state.PollCache()
	if poll == nil {
		fmt.Printf("Queues: %s\n", red("no poll cached yet"))
		return
	}

	fmt.Printf("Queues %s\n", faint("(as of "+poll.FetchedAt.Format(time.RFC3339)+")"))
	states := make([]string, 0, len(poll.QueueCounts))
	for s := range poll.QueueCounts {
		states = append(states, s)
	}
	sort.Strings(states)
	for _, s := range states {
		fmt.Printf("  %-16s %d\n", s, poll.QueueCounts[s])
	}
	if len(poll.ProvisionalTasks) > 0 {
		fmt.Printf("  %d provisional task(s) awaiting review\n", len(poll.ProvisionalTasks))
	}
}
