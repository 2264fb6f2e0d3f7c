// Package main implements the RDP MITM interceptor's CLI entrypoint:
// argument parsing, the TCP accept loop, and per-connection dialing to the
// real RDP server. Everything protocol-specific lives in internal/relay and
// the packages it composes.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/rcarmo/rdp-mitm/internal/config"
	"github.com/rcarmo/rdp-mitm/internal/logging"
	"github.com/rcarmo/rdp-mitm/internal/relay"
)

var (
	appName    = "RDP MITM Interceptor"
	appVersion = "dev" // injected at build time via -ldflags
)

func main() {
	args, action := parseFlags()
	if action == "error" {
		os.Exit(2)
	}
	if action != "" {
		return
	}
	if err := run(args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// parsedArgs holds the parsed command-line arguments, per spec section 6.
type parsedArgs struct {
	listenPort int
	bindIP     string
	downgrade  int
	certFile   string
	keyFile    string
	debug      bool
	targetHost string
	targetPort int
}

// parseFlags parses os.Args. Returns action "help" or "version" if that
// output was shown, or "error" if the arguments did not parse; in each case
// the caller should not run.
func parseFlags() (parsedArgs, string) {
	return parseFlagsWithArgs(os.Args[1:])
}

// parseFlagsWithArgs parses the given arguments, split out from parseFlags
// for testability, per the teacher's cmd/server/main.go convention.
func parseFlagsWithArgs(args []string) (parsedArgs, string) {
	fs := flag.NewFlagSet("rdpmitm", flag.ContinueOnError)
	listenPort := fs.Int("listen-port", 3389, "port to listen on for incoming RDP client connections")
	bindIP := fs.String("bind-ip", "", "IP address to bind the listener to (default all interfaces)")
	downgradeFlag := fs.Int("downgrade", 3, "protocol to downgrade negotiation to (0=RDP, 1=TLS, 3=CredSSP, 11=CredSSP+EarlyUserAuth)")
	certFile := fs.String("certfile", "", "path to the TLS certificate presented to the client (required)")
	keyFile := fs.String("keyfile", "", "path to the TLS private key for -certfile (required)")
	debug := fs.Bool("debug", false, "enable debug logging")
	helpFlag := fs.Bool("help", false, "show help")
	versionFlag := fs.Bool("version", false, "show version")

	if err := fs.Parse(args); err != nil {
		return parsedArgs{}, "error"
	}

	if *helpFlag {
		showHelp()
		return parsedArgs{}, "help"
	}
	if *versionFlag {
		showVersion()
		return parsedArgs{}, "version"
	}

	positional := fs.Args()
	var targetHost string
	targetPort := 3389
	if len(positional) > 0 {
		targetHost = positional[0]
	}
	if len(positional) > 1 {
		if p, err := strconv.Atoi(positional[1]); err == nil {
			targetPort = p
		}
	}

	return parsedArgs{
		listenPort: *listenPort,
		bindIP:     *bindIP,
		downgrade:  *downgradeFlag,
		certFile:   *certFile,
		keyFile:    *keyFile,
		debug:      *debug,
		targetHost: targetHost,
		targetPort: targetPort,
	}, ""
}

// run loads configuration, starts the listener, and accepts connections
// until interrupted. Only setup errors (bad config, bind failure) are
// returned to main for a non-zero exit; per-session failures are logged
// and the accept loop continues, per spec section 7.
func run(args parsedArgs) error {
	downgrade := args.downgrade
	cfg, err := config.LoadWithOverrides(config.LoadOptions{
		ListenPort: args.listenPort,
		BindIP:     args.bindIP,
		Downgrade:  &downgrade,
		TargetHost: args.targetHost,
		TargetPort: args.targetPort,
		CertFile:   args.certFile,
		KeyFile:    args.keyFile,
		Debug:      args.debug,
	})
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.Log.Debug {
		logging.SetLevel(logging.LevelDebug)
	}

	addr := net.JoinHostPort(cfg.Listen.Bind, strconv.Itoa(cfg.Listen.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind listener on %s: %w", addr, err)
	}
	defer listener.Close()

	logging.Info("listening on %s, forwarding to %s:%d (downgrade target %d)",
		addr, cfg.Target.Host, cfg.Target.Port, cfg.Target.Downgrade)

	return acceptLoop(listener, cfg)
}

// acceptLoop accepts client connections and spawns one MITM session per
// connection. It runs until the listener is closed.
func acceptLoop(listener net.Listener, cfg *config.Config) error {
	for {
		clientConn, err := listener.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}

		go handleConnection(clientConn, cfg)
	}
}

// handleConnection dials the real RDP server and runs the MITM relay for
// one accepted client connection. Any failure is logged, never fatal.
func handleConnection(clientConn net.Conn, cfg *config.Config) {
	defer clientConn.Close()

	targetAddr := net.JoinHostPort(cfg.Target.Host, strconv.Itoa(cfg.Target.Port))
	serverConn, err := net.DialTimeout("tcp", targetAddr, 10*time.Second)
	if err != nil {
		logging.Error("failed to connect to target %s: %v", targetAddr, err)
		return
	}
	defer serverConn.Close()

	logging.Info("session started: %s -> %s", clientConn.RemoteAddr(), targetAddr)

	if err := relay.Pipe(context.Background(), clientConn, serverConn, cfg); err != nil {
		logging.Debug("session ended: %v", err)
	}
}

func showHelp() {
	fmt.Println(appName)
	fmt.Println("USAGE: rdpmitm [options] target_host [target_port]")
	fmt.Println("OPTIONS:")
	fmt.Println("  -listen-port int   Port to listen on (default 3389)")
	fmt.Println("  -bind-ip string    IP to bind the listener to (default all interfaces)")
	fmt.Println("  -downgrade int     Protocol to downgrade to: 0, 1, 3, or 11 (default 3)")
	fmt.Println("  -certfile string   TLS certificate presented to the client (required)")
	fmt.Println("  -keyfile string    TLS private key for -certfile (required)")
	fmt.Println("  -debug             Enable debug logging")
	fmt.Println("  -version           Show version information")
	fmt.Println("  -help              Show this help message")
}

func showVersion() {
	fmt.Printf("%s %s\n", appName, appVersion)
}
