// seehuhn.de/go/wsocket - websocket and plain HTTP on one listening socket
// Copyright (C) 2019  Jochen Voss <voss@seehuhn.de>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Command testserver runs the Autobahn fuzzingclient test suite, inside a
// docker container, against an echo server.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime/pprof"
	"strings"
	"sync"
	"text/template"

	"go.uber.org/zap"

	"seehuhn.de/go/wsocket"
)

var (
	port       = flag.String("port", "8080", "what TCP port to bind to")
	scratch    = flag.String("dir", "scratch", "directory for wstest to work in")
	cpuprofile = flag.String("cpuprofile", "", "write cpu profile to file")
	debug      = flag.Bool("debug", false, "log every frame")
)

const specTemplate = `{
  "outdir": "/scratch",
  "servers": [
    {
      "agent": "wsocket",
      "url": "ws://{{.host}}"
    }
  ],
  "cases": {{.cases}},
  "exclude-cases": [],
  "exclude-agent-cases": {}
}
`

type testList []string

func (tl *testList) String() string {
	if len(*tl) == 0 {
		return `["*"]`
	}
	b, err := json.Marshal([]string(*tl))
	if err != nil {
		panic(err)
	}
	return string(b)
}

func (tl *testList) Set(value string) error {
	for _, s := range strings.Split(value, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			*tl = append(*tl, s)
		}
	}
	return nil
}

var testCases testList

func runDocker(logger *zap.Logger, scratch string) error {
	dockerPath, err := exec.LookPath("docker")
	if err != nil {
		return fmt.Errorf("cannot find docker: %w", err)
	}

	scratch, err = filepath.Abs(scratch)
	if err != nil {
		return err
	}

	cmd := exec.Command(dockerPath,
		"run",
		"--rm",
		"-v", scratch+":/scratch",
		"--name", "fuzzingclient",
		"--net", "host",
		"crossbario/autobahn-testsuite",

		"/usr/local/bin/wstest",
		"-m", "fuzzingclient",
		"-s", "/scratch/spec.json")
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	logger.Info("starting docker")
	err = cmd.Run()
	logger.Info("docker terminated", zap.Error(err))
	return err
}

// findLocalAddress finds an address which can be reached from inside the
// docker container.
func findLocalAddress() (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if ok && ipnet.IP.IsGlobalUnicast() {
				return net.JoinHostPort(ipnet.IP.String(), *port), nil
			}
		}
	}
	return "", fmt.Errorf("no usable IP address found")
}

func writeSpec(host string) error {
	err := os.MkdirAll(*scratch, 0755)
	if err != nil {
		return err
	}
	tmpl := template.Must(template.New("spec").Parse(specTemplate))
	spec, err := os.Create(filepath.Join(*scratch, "spec.json"))
	if err != nil {
		return err
	}
	err = tmpl.Execute(spec, map[string]string{
		"host":  host,
		"cases": testCases.String(),
	})
	if err != nil {
		spec.Close()
		return err
	}
	return spec.Close()
}

func main() {
	flag.Var(&testCases, "test", "comma-separated list of tests to perform")
	flag.Parse()

	cfg := zap.NewDevelopmentConfig()
	if !*debug {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	listenAddr, err := findLocalAddress()
	if err != nil {
		logger.Fatal("cannot find listen address", zap.Error(err))
	}
	logger.Info("listening", zap.String("addr", listenAddr))

	err = writeSpec(listenAddr)
	if err != nil {
		logger.Fatal("cannot write spec.json", zap.Error(err))
	}

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			logger.Fatal("cannot create profile", zap.Error(err))
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	var sessions sync.WaitGroup
	srv := &wsocket.Server{
		Addr:       listenAddr,
		ServerName: "FishyBunny",
		Callbacks: wsocket.Callbacks{
			OnConnect: func(*wsocket.Conn) { sessions.Add(1) },
			OnMessage: func(conn *wsocket.Conn, msg wsocket.Message) {
				err := conn.Send(msg.Type, msg.Data, true)
				if err != nil && err != wsocket.ErrConnClosed {
					logger.Info("echo failed", zap.Error(err))
				}
			},
			OnClose: func(*wsocket.Conn, error) { sessions.Done() },
		},
		RateLimit: wsocket.NoRateLimit(),
		ReadLimit: 64 << 20,
		Logger:    logger,
	}
	l, err := srv.Listen()
	if err != nil {
		logger.Fatal("cannot listen", zap.Error(err))
	}

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- srv.Serve(l)
	}()

	dockerErr := runDocker(logger, *scratch)
	srv.Close()
	logger.Info("server terminated", zap.Error(<-serverDone))

	fmt.Println("\nIf the program hangs here, some clients didn't terminate ...")
	sessions.Wait()
	fmt.Println("... but all turned out to be ok.")

	if dockerErr == nil {
		fmt.Printf("\nThe report is in %q.\n", filepath.Join(*scratch, "index.html"))
	}
}
