package main

import "time"

// Flag structs decouple cobra from the command logic for testing.

type GlobalFlags struct {
	ConfigPath string
}

type ClientFlags struct {
	APIUrl     string
	APITimeout time.Duration
}

type ServeFlags struct {
	ConfigPath string
	Daemonize  bool
	LogFile    string
}

type RunFlags struct {
	ClientFlags
	File string
}

type SlotFlags struct {
	ClientFlags
	Worker string
	Slot   string
	Args   []float64
}

type DeviceFlags struct {
	ClientFlags
	Name string
}
