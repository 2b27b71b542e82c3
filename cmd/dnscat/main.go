// Package main implements the dnscat2 client.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"dnscat2proto/pkg/controller"
	"dnscat2proto/pkg/driver/command"
	"dnscat2proto/pkg/session"
	"dnscat2proto/pkg/tunnel/dns"
	dnstransport "dnscat2proto/pkg/transport/dns"
)

const (
	Name    = "dnscat2"
	Version = "v0.07-go"
)

// flags holds the CLI configuration shared across subcommands.
type flags struct {
	domain        string
	dnsServer     string
	dnsPort       uint16
	dnsTypes      string
	secret        string
	noEncryption  bool
	delay         int
	maxRetransmit int
	verbose       bool
	console       bool
	exec          string
}

func main() {
	rand.Seed(time.Now().UnixNano())

	f := &flags{}

	root := &cobra.Command{
		Use:   Name,
		Short: Name + " - a DNS tunnel client",
		Long: Name + " " + Version + " - A DNS tunnel client.\n\n" +
			"Examples:\n" +
			"  " + Name + " connect example.com               connect via DNS with a domain\n" +
			"  " + Name + " connect --dns-server=1.2.3.4       direct UDP connection, no domain\n" +
			"  " + Name + " ping example.com                   test server connectivity",
		SilenceUsage: true,
	}

	connectCmd := &cobra.Command{
		Use:   "connect [domain]",
		Short: "Open a command or console session over DNS",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				f.domain = args[0]
			}
			return runConnect(f)
		},
	}
	addCommonFlags(connectCmd, f)
	connectCmd.Flags().BoolVar(&f.console, "console", false, "start a console session instead of command")
	connectCmd.Flags().StringVar(&f.exec, "exec", "", "execute a command as the session")

	pingCmd := &cobra.Command{
		Use:   "ping [domain]",
		Short: "Ping the server and report whether it responds, then exit",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				f.domain = args[0]
			}
			return runPing(f)
		},
	}
	addCommonFlags(pingCmd, f)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the client version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s %s\n", Name, Version)
		},
	}

	root.AddCommand(connectCmd, pingCmd, versionCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func addCommonFlags(cmd *cobra.Command, f *flags) {
	cmd.Flags().StringVar(&f.domain, "domain", "", "domain to tunnel through (e.g., example.com)")
	cmd.Flags().StringVar(&f.dnsServer, "dns-server", "", "DNS server to use (defaults to system resolver)")
	cmd.Flags().Uint16Var(&f.dnsPort, "dns-port", 53, "DNS port")
	cmd.Flags().StringVar(&f.dnsTypes, "dns-type", "TXT,CNAME,MX", "DNS record types to use")
	cmd.Flags().StringVar(&f.secret, "secret", "", "pre-shared secret for authentication")
	cmd.Flags().BoolVar(&f.noEncryption, "no-encryption", false, "disable encryption")
	cmd.Flags().IntVar(&f.delay, "delay", 1000, "delay between packets in ms")
	cmd.Flags().IntVar(&f.maxRetransmit, "max-retransmits", 20, "max retransmit attempts (-1 for infinite)")
	cmd.Flags().BoolVar(&f.verbose, "verbose", false, "enable debug logging")
}

func newLogger(verbose bool) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	cfg.Encoding = "console"
	cfg.EncoderConfig.TimeKey = "" // dnscat2's own CLI output is already terse
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func resolveDNSServer(domain, explicit string, log *zap.Logger) string {
	if explicit != "" {
		return explicit
	}
	if domain == "" {
		log.Warn("starting DNS driver without a domain or server; this only works against a directly-reachable dnscat2 server")
	}
	if server := systemDNSServer(); server != "" {
		return server
	}
	return "8.8.8.8"
}

func systemDNSServer() string {
	data, err := os.ReadFile("/etc/resolv.conf")
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "nameserver") {
			parts := strings.Fields(line)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return ""
}

func runConnect(f *flags) error {
	log := newLogger(f.verbose)
	defer log.Sync()

	session.PacketDelay = time.Duration(f.delay) * time.Millisecond
	session.DoEncryption = !f.noEncryption
	session.PresharedSecret = f.secret
	controller.SetMaxRetransmits(f.maxRetransmit)

	dnsServer := resolveDNSServer(f.domain, f.dnsServer, log)
	if f.domain == "" {
		log.Warn("running with the system DNS server and no domain; this is very unlikely to work " +
			"unless you're connecting directly to a dnscat2 server with --dns-server")
	}

	var sess *session.Session
	var err error
	switch {
	case f.console:
		log.Info("creating a console session")
		sess, err = session.NewConsoleSession("console", log)
	case f.exec != "":
		log.Info("creating an exec session", zap.String("command", f.exec))
		sess, err = session.NewExecSession(f.exec, f.exec, log)
	default:
		log.Info("creating a command session")
		sess, err = newCommandSession("command", log)
	}
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	if err := handshakeOverDNS(sess, f, dnsServer, log); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}

	controller.AddSession(sess)

	log.Info("starting DNS driver",
		zap.String("domain", f.domain), zap.Uint16("port", f.dnsPort),
		zap.String("types", f.dnsTypes), zap.String("server", dnsServer))

	dnsDriver, err := dns.NewDriver(f.domain, "0.0.0.0", f.dnsPort, f.dnsTypes, dnsServer, log)
	if err != nil {
		return fmt.Errorf("create DNS driver: %w", err)
	}
	defer dnsDriver.Close()
	defer controller.Destroy()

	dnsDriver.Run()
	return nil
}

// handshakeOverDNS runs the session's SYN/ENC handshake as a bounded
// number of blocking DNS exchanges, independent of the polling tunnel
// driver that carries the session's MSG/FIN stream once established.
func handshakeOverDNS(sess *session.Session, f *flags, dnsServer string, log *zap.Logger) error {
	types, err := dnstransport.ParseTypes(f.dnsTypes)
	if err != nil {
		return fmt.Errorf("parse dns record types: %w", err)
	}
	addr := net.JoinHostPort(dnsServer, strconv.Itoa(int(f.dnsPort)))
	transport := dnstransport.New(f.domain, addr, types)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	log.Info("starting handshake", zap.String("server", addr))
	if err := sess.Handshake(ctx, transport, true); err != nil {
		return err
	}
	log.Info("handshake complete", zap.String("session_name", sess.Name))
	return nil
}

func runPing(f *flags) error {
	log := newLogger(f.verbose)
	defer log.Sync()

	dnsServer := resolveDNSServer(f.domain, f.dnsServer, log)

	sess, err := session.NewPingSession("ping", log)
	if err != nil {
		return fmt.Errorf("create ping session: %w", err)
	}
	controller.AddSession(sess)

	dnsDriver, err := dns.NewDriver(f.domain, "0.0.0.0", f.dnsPort, f.dnsTypes, dnsServer, log)
	if err != nil {
		return fmt.Errorf("create DNS driver: %w", err)
	}
	defer dnsDriver.Close()
	defer controller.Destroy()

	dnsDriver.Run()
	return nil
}

// newCommandSession creates a command session wired to a command
// driver, with callbacks for spawning child sessions (shell/exec
// requests), shutdown, and delay renegotiation.
func newCommandSession(name string, log *zap.Logger) (*session.Session, error) {
	sess, err := session.New(name, log)
	if err != nil {
		return nil, err
	}

	cmdDriver := command.NewDriver(log)

	cmdDriver.CreateSession = func(name, cmd string) uint16 {
		newSess, err := session.NewExecSession(name, cmd, log)
		if err != nil {
			log.Error("failed to create exec session", zap.Error(err))
			return 0
		}
		controller.AddSession(newSess)
		return newSess.ID
	}

	cmdDriver.OnShutdown = func() {
		controller.KillAllSessions()
	}

	cmdDriver.OnDelayChange = func(delay uint32) {
		session.PacketDelay = time.Duration(delay) * time.Millisecond
	}

	sess.Driver = cmdDriver
	sess.IsCommand = true

	return sess, nil
}
