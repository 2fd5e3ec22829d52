package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/loykin/cryorun"
	"github.com/loykin/cryorun/pkg/client"
)

// command binds the client-side subcommands.
type command struct{}

func newAPIClient(f ClientFlags) *client.Client {
	cfg := client.DefaultConfig()
	if f.APIUrl != "" {
		cfg.BaseURL = f.APIUrl
	}
	if f.APITimeout > 0 {
		cfg.Timeout = f.APITimeout
	}
	return client.New(cfg)
}

func reachable(c *client.Client) error {
	if !c.IsReachable(context.Background()) {
		return fmt.Errorf("daemon not reachable - start it first with 'cryorun serve'")
	}
	return nil
}

func (c command) Status(f ClientFlags) error {
	api := newAPIClient(f)
	if err := reachable(api); err != nil {
		return err
	}
	st, err := api.Status(context.Background())
	if err != nil {
		return err
	}
	printJSON(st)
	return nil
}

func (c command) Snapshot(f ClientFlags) error {
	api := newAPIClient(f)
	if err := reachable(api); err != nil {
		return err
	}
	snap, err := api.Snapshot(context.Background())
	if err != nil {
		return err
	}
	printJSON(snap)
	return nil
}

func (c command) Errors(f ClientFlags) error {
	api := newAPIClient(f)
	if err := reachable(api); err != nil {
		return err
	}
	evs, err := api.Errors(context.Background())
	if err != nil {
		return err
	}
	printJSON(evs)
	return nil
}

func (c command) Run(f RunFlags) error {
	text, err := os.ReadFile(f.File)
	if err != nil {
		return err
	}
	// Parse locally first so grammar errors carry line numbers before
	// anything reaches the daemon.
	steps, err := cryorun.ParseSequence(string(text))
	if err != nil {
		return err
	}
	if len(steps) == 0 {
		return fmt.Errorf("%s: empty sequence", f.File)
	}
	api := newAPIClient(f.ClientFlags)
	if err := reachable(api); err != nil {
		return err
	}
	if err := api.RunSequence(context.Background(), string(text)); err != nil {
		return err
	}
	fmt.Printf("submitted %s (%d steps)\n", f.File, len(steps))
	return nil
}

func (c command) Pause(f ClientFlags) error {
	api := newAPIClient(f)
	if err := reachable(api); err != nil {
		return err
	}
	return api.PauseSequence(context.Background())
}

func (c command) Continue(f ClientFlags) error {
	api := newAPIClient(f)
	if err := reachable(api); err != nil {
		return err
	}
	return api.ContinueSequence(context.Background())
}

func (c command) Abort(f ClientFlags) error {
	api := newAPIClient(f)
	if err := reachable(api); err != nil {
		return err
	}
	return api.AbortSequence(context.Background())
}

func (c command) Slot(f SlotFlags) error {
	api := newAPIClient(f.ClientFlags)
	if err := reachable(api); err != nil {
		return err
	}
	return api.ApplySlot(context.Background(), client.SlotRequest{
		Worker: f.Worker,
		Slot:   f.Slot,
		Args:   f.Args,
	})
}

func (c command) StopDevice(f DeviceFlags) error {
	api := newAPIClient(f.ClientFlags)
	if err := reachable(api); err != nil {
		return err
	}
	return api.StopDevice(context.Background(), f.Name)
}

func (c command) StartDevice(f DeviceFlags) error {
	api := newAPIClient(f.ClientFlags)
	if err := reachable(api); err != nil {
		return err
	}
	return api.StartDevice(context.Background(), f.Name)
}

func (c command) Validate(path string) error {
	if path == "" {
		return fmt.Errorf("config file required. Use --config=rig.toml or provide as argument")
	}
	cfg, err := cryorun.LoadConfig(path)
	if err != nil {
		return err
	}
	fmt.Printf("%s: ok (%d instruments)\n", path, len(cfg.Instruments))
	return nil
}

func (c command) Check(path string) error {
	text, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	steps, err := cryorun.ParseSequence(string(text))
	if err != nil {
		return err
	}
	fmt.Print(cryorun.PrintSequence(steps))
	return nil
}

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}
