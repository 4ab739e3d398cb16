package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/jovyan/nbgate/internal/client"
	"github.com/jovyan/nbgate/internal/dashboard"
)

func main() {
	if len(os.Args) < 2 {
		runDashboard()
		return
	}

	switch os.Args[1] {
	case "list":
		runList()
	case "connections":
		runConnections()
	case "environments":
		runEnvironments()
	case "create":
		runCreate(os.Args[2:])
	case "terminate":
		runTerminate(os.Args[2:])
	case "terminate-all":
		runTerminateAll()
	case "dashboard":
		runDashboard()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		fmt.Fprintln(os.Stderr, "usage: nbgate [list|connections|environments|create|terminate|terminate-all|dashboard]")
		os.Exit(1)
	}
}

func runDashboard() {
	c := client.New("")
	if !c.IsRunning() {
		fmt.Fprintln(os.Stderr, "daemon is not running (start nbgated first)")
		os.Exit(1)
	}
	p := tea.NewProgram(dashboard.NewModel(c))
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runList() {
	c := client.New("")
	runtimes, err := c.QueryRuntimes()
	if err != nil {
		fatal(err)
	}
	printJSON(runtimes)
}

func runConnections() {
	c := client.New("")
	connections, err := c.QueryConnections()
	if err != nil {
		fatal(err)
	}
	printJSON(connections)
}

func runEnvironments() {
	c := client.New("")
	environments, err := c.QueryEnvironments()
	if err != nil {
		fatal(err)
	}
	printJSON(environments)
}

func runCreate(args []string) {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	owner := fs.String("owner", "", "owning document id")
	environment := fs.String("env", "python-cpu", "environment name")
	name := fs.String("name", "", "runtime display name")
	minutes := fs.Int("minutes", 10, "minutes before the runtime expires")
	fs.Parse(args)

	if *owner == "" {
		fmt.Fprintln(os.Stderr, "create: -owner is required")
		os.Exit(1)
	}

	c := client.New("")
	rt, err := c.CreateRuntime(*owner, *environment, *name, *minutes)
	if err != nil {
		fatal(err)
	}
	printJSON(rt)
}

func runTerminate(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: nbgate terminate <uid>")
		os.Exit(1)
	}
	c := client.New("")
	if err := c.TerminateRuntime(args[0]); err != nil {
		fatal(err)
	}
	fmt.Printf("terminated %s\n", args[0])
}

func runTerminateAll() {
	c := client.New("")
	if err := c.TerminateAll(); err != nil {
		fatal(err)
	}
	fmt.Println("terminated all runtimes")
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
