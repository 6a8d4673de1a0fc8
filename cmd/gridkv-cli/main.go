package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/chzyer/readline"

	"github.com/gridkv/gridkv-go/client"
	"github.com/gridkv/gridkv-go/conf"
	"github.com/gridkv/gridkv-go/log"
)

var arguments struct {
	Addrs          []string      `help:"Seed addresses of the GridKV cluster." default:"127.0.0.1:7000"`
	ScanInterval   time.Duration `help:"Topology reconciliation interval." default:"1s"`
	ReadFromSlaves bool          `help:"Serve reads from slave nodes."`
	Password       string        `help:"Password used to authenticate connections."`
	VI             bool          `help:"Enable VI mode."`
	Log            log.Config    `embed:"" prefix:"log-"`
}

func main() {
	kctx := kong.Parse(&arguments)
	err := arguments.Log.Configure()
	kctx.FatalIfErrorf(err)

	cfg := conf.NewDefaultConfig()
	cfg.NodeAddresses = arguments.Addrs
	cfg.ScanInterval = arguments.ScanInterval
	cfg.ReadFromSlaves = arguments.ReadFromSlaves
	cfg.Password = arguments.Password

	cl, err := client.Connect(*cfg)
	kctx.FatalIfErrorf(err)
	defer cl.Close()

	home, err := os.UserHomeDir()
	kctx.FatalIfErrorf(err)

	rl, err := readline.NewEx(&readline.Config{
		HistoryFile: filepath.Join(home, ".gridkv.history"),
		VimMode:     arguments.VI,
	})
	kctx.FatalIfErrorf(err)
	rl.SetPrompt("gridkv> ")
	for {
		line, err := rl.Readline()
		if err == io.EOF || err == readline.ErrInterrupt {
			return
		}
		kctx.FatalIfErrorf(err)
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return
		}
		if err := execute(cl, line); err != nil {
			kctx.Errorf("%s", err)
		}
	}
}

func execute(cl *client.Client, line string) error {
	fields := strings.Fields(line)
	switch strings.ToLower(fields[0]) {
	case "topology":
		for _, p := range cl.Manager().Partitions() {
			state := "ok"
			if p.MasterFail {
				state = "fail"
			}
			fmt.Printf("%s master=%s state=%s slaves=%v slots=%v\n",
				p.NodeID, p.MasterAddr, state, p.SlaveAddrs, p.SlotRanges)
		}
	case "slot":
		if len(fields) != 2 {
			return fmt.Errorf("usage: slot <key>")
		}
		fmt.Println(cl.CalcSlot(fields[1]))
	case "get":
		if len(fields) != 2 {
			return fmt.Errorf("usage: get <key>")
		}
		value, ok, err := cl.Get(fields[1])
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("(nil)")
		} else {
			fmt.Println(value)
		}
	case "set":
		if len(fields) != 3 {
			return fmt.Errorf("usage: set <key> <value>")
		}
		if err := cl.Set(fields[1], fields[2]); err != nil {
			return err
		}
		fmt.Println("OK")
	case "del":
		if len(fields) != 2 {
			return fmt.Errorf("usage: del <key>")
		}
		existed, err := cl.Del(fields[1])
		if err != nil {
			return err
		}
		if existed {
			fmt.Println("1")
		} else {
			fmt.Println("0")
		}
	default:
		return fmt.Errorf("unknown command %q, try topology, slot, get, set, del or exit", fields[0])
	}
	return nil
}
