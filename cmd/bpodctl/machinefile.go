package main

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/finchlab/bpod"
)

// machineFile is the on-disk TOML shape of a state machine description.
// States keep file order; the first state is the entry state. The literal
// target "exit" leaves the machine.
type machineFile struct {
	States       []stateEntry      `toml:"state"`
	GlobalTimers []globalTimerSpec `toml:"global_timer"`
	Conditions   []conditionSpec   `toml:"condition"`
}

type stateEntry struct {
	Name        string            `toml:"name"`
	TimerMS     int64             `toml:"timer_ms"`
	TimerTarget string            `toml:"timer_target"`
	Transitions map[string]string `toml:"transitions"`
	Actions     []actionSpec      `toml:"action"`
}

type actionSpec struct {
	Channel string `toml:"channel"`
	Value   uint8  `toml:"value"`
}

type globalTimerSpec struct {
	DurationMS int64 `toml:"duration_ms"`
}

type conditionSpec struct {
	Channel string `toml:"channel"`
	Value   uint8  `toml:"value"`
}

const exitLiteral = "exit"

func targetName(raw string) string {
	if raw == exitLiteral {
		return bpod.Exit
	}
	return raw
}

// loadMachine reads a machine description file and finalizes it.
func loadMachine(path string) (*bpod.Machine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("machine load failed (%s): %w", path, err)
	}
	var mf machineFile
	if err := toml.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("machine parse failed (%s): %w", path, err)
	}

	b := bpod.NewMachine()
	for _, st := range mf.States {
		actions := make([]bpod.OutputAction, len(st.Actions))
		for i, a := range st.Actions {
			actions[i] = bpod.OutputAction{Channel: a.Channel, Value: a.Value}
		}
		b.AddState(st.Name, actions...)
		if st.TimerMS > 0 {
			b.SetTimer(st.Name, time.Duration(st.TimerMS)*time.Millisecond, targetName(st.TimerTarget))
		}
	}
	// Second pass so transitions may reference later states.
	for _, st := range mf.States {
		for event, target := range st.Transitions {
			b.AddTransition(st.Name, event, targetName(target))
		}
	}
	for _, gt := range mf.GlobalTimers {
		b.AddGlobalTimer(time.Duration(gt.DurationMS) * time.Millisecond)
	}
	for _, c := range mf.Conditions {
		b.AddCondition(c.Channel, c.Value)
	}
	return b.Finalize()
}
