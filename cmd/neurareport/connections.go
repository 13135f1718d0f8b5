package main

import (
	"fmt"
	"os"

	"github.com/neuraworks/neurareport/internal/catalog"
	"github.com/neuraworks/neurareport/internal/state"
)

func connectionsCmd(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	switch args[0] {
	case "test":
		connectionsTest(args[1:])
	case "list":
		connectionsList(args[1:])
	case "delete":
		connectionsDelete(args[1:])
	default:
		usage()
		os.Exit(1)
	}
}

// connectionsTest probes the database and upserts the connection row with
// the observed status and latency. The original path is sealed into the
// secrets sidecar.
func connectionsTest(args []string) {
	var id, name, dbPath, configPath string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--id":
			i++
			id = requireValue(args, i, "--id")
		case "--name":
			i++
			name = requireValue(args, i, "--name")
		case "--db":
			i++
			dbPath = requireValue(args, i, "--db")
		case "--config":
			i++
			configPath = requireValue(args, i, "--config")
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if id == "" || dbPath == "" {
		usage()
		os.Exit(1)
	}
	a, err := bootstrap(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	conn := state.Connection{ID: id, Name: name, Kind: "sqlite", DBPath: dbPath}
	latency, perr := catalog.Ping(signalContext(), dbPath)
	if perr != nil {
		conn.Status = state.ConnectionError
	} else {
		conn.Status = state.ConnectionOK
		conn.LatencyMS = latency.Milliseconds()
	}
	if _, err := a.state.UpsertConnection(conn, dbPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if perr != nil {
		fmt.Fprintf(os.Stderr, "status=error: %v\n", perr)
		os.Exit(1)
	}
	_ = a.state.SetLastUsedConnection(id)
	fmt.Printf("status=ok latency_ms=%d\n", conn.LatencyMS)
	os.Exit(0)
}

func connectionsList(args []string) {
	var configPath string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			configPath = requireValue(args, i, "--config")
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	a, err := bootstrap(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	conns, err := a.state.ListConnections()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	for _, c := range conns {
		fmt.Printf("id=%s name=%s kind=%s status=%s latency_ms=%d\n", c.ID, c.Name, c.Kind, c.Status, c.LatencyMS)
	}
	os.Exit(0)
}

func connectionsDelete(args []string) {
	var id, configPath string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--id":
			i++
			id = requireValue(args, i, "--id")
		case "--config":
			i++
			configPath = requireValue(args, i, "--config")
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if id == "" {
		usage()
		os.Exit(1)
	}
	a, err := bootstrap(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := a.state.DeleteConnection(id); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println("deleted")
	os.Exit(0)
}
