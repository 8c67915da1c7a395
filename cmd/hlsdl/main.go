// Command hlsdl is a minimal entry point exercising the download engine.
// Argument parsing, a TUI, and a daemon/IPC surface are explicitly out of
// scope (§1); this command exists to drive pkg/engine end to end.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/jandresen/hlsdl/internal/config"
	"github.com/jandresen/hlsdl/internal/events"
	"github.com/jandresen/hlsdl/internal/task"
	"github.com/jandresen/hlsdl/internal/util"
	"github.com/jandresen/hlsdl/pkg/engine"
)

func main() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: hlsdl <playlist-url> <output-file>")
		os.Exit(2)
	}
	sourceURL, outputPath := os.Args[1], os.Args[2]

	eng, err := engine.New(config.Default(), engine.Options{})
	if err != nil {
		util.Errorf("failed to start engine: %v", err)
		os.Exit(1)
	}
	defer eng.Close()

	done := make(chan struct{})
	sub := eng.Subscribe(events.KindTaskCompleted, func(ev events.Event) {
		util.Infof("task %s completed: %v", ev.TaskID, ev.Payload)
		close(done)
	})
	defer sub.Unsubscribe()

	failSub := eng.Subscribe(events.KindTaskFailed, func(ev events.Event) {
		util.Errorf("task %s failed: %v", ev.TaskID, ev.Payload)
		close(done)
	})
	defer failSub.Unsubscribe()

	t, err := eng.AddTask(task.Spec{
		Name:       outputPath,
		SourceURL:  sourceURL,
		OutputPath: outputPath,
		Priority:   task.PriorityNormal,
	})
	if err != nil {
		util.Errorf("failed to add task: %v", err)
		os.Exit(1)
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			p := t.Progress()
			util.Infof("task %s: %d/%d segments, %.0f B/s", t.ID, p.Completed, p.Total, p.Speed)
		}
	}
}
