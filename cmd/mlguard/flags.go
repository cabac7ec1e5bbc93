package main

import "time"

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

// Flag structs decouple cobra from command logic for testing.

type ServeFlags struct {
	ConfigPath string
}

type CheckFlags struct {
	ConfigPath string
}

type ProbeFlags struct {
	ConfigPath string
	Endpoint   string
	Status     bool
	Timeout    time.Duration
	Wait       time.Duration
}

type FallbackFlags struct {
	ConfigPath string
	Host       string
	Port       int
	HostSet    bool
	PortSet    bool
}

type StatusFlags struct {
	ConfigPath string
	Health     bool
	APIUrl     string
	APITimeout time.Duration
}
