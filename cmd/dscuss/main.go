package main

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"dscuss-network/core"
	"dscuss-network/pkg/config"
	"dscuss-network/pkg/utils"
)

const (
	progName       = "Dscuss"
	progVersion    = "proof-of-concept"
	defaultDataDir = ".dscuss"
	logFileName    = "dscuss.log"
)

type repl struct {
	node    *core.Node
	in      *bufio.Scanner
	out     *os.File
	quit    bool
	logFile *os.File
}

type command struct {
	name   string
	help   string
	action func(r *repl, args string) error
}

var commands []command

func init() {
	commands = []command{
		{"register", "register <nickname> [info] - register a new user", doRegister},
		{"login", "login <nickname> - log in and connect to peers", doLogin},
		{"logout", "logout - log the current user out", doLogout},
		{"lspeer", "lspeer - list connected peers", doLsPeer},
		{"mkthread", "mkthread - start a new thread", doMkThread},
		{"mkreply", "mkreply <id> - reply to a message", doMkReply},
		{"lsboard", "lsboard - list thread roots", doLsBoard},
		{"lsthread", "lsthread <id> - show a whole thread", doLsThread},
		{"quit", "quit - stop the node and exit", doQuit},
		{"help", "help [cmd] - print help", doHelp},
	}
}

func main() {
	godotenv.Load()

	dataDir := utils.EnvOrDefault("DSCUSS_DATA_DIR", "")

	rootCmd := &cobra.Command{
		Use:     "dscuss",
		Short:   progName + " is a peer-to-peer decentralized discussion network",
		Version: progVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(dataDir)
		},
		SilenceUsage: true,
	}
	rootCmd.Flags().StringVarP(&dataDir, "config", "c", dataDir,
		"data directory (default ~/"+defaultDataDir+")")
	rootCmd.SetVersionTemplate(progName + " {{.Version}}\n")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func resolveDataDir(dataDir string) (string, error) {
	if dataDir != "" {
		return dataDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", utils.Wrap(err, "locate home directory")
	}
	return filepath.Join(home, defaultDataDir), nil
}

func initLogger(dataDir, level string) (*os.File, error) {
	file, err := os.OpenFile(filepath.Join(dataDir, logFileName),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, utils.Wrap(err, "open log file")
	}
	logrus.SetOutput(file)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logrus.SetLevel(parsed)
	return file, nil
}

func run(dataDir string) error {
	dataDir, err := resolveDataDir(dataDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return utils.Wrap(err, "create data directory")
	}

	// First start: leave a commented default settings file behind so the
	// user has something to edit.
	if err := config.WriteDefault(dataDir); err != nil {
		return err
	}
	cfg, err := config.Load(dataDir)
	if err != nil {
		return err
	}
	logFile, err := initLogger(dataDir, cfg.Logging.Level)
	if err != nil {
		return err
	}
	defer logFile.Close()

	node, err := core.NewNode(dataDir, logrus.StandardLogger())
	if err != nil {
		return err
	}
	defer node.Close()

	r := &repl{
		node:    node,
		in:      bufio.NewScanner(os.Stdin),
		out:     os.Stdout,
		logFile: logFile,
	}
	r.loop()
	return nil
}

func (r *repl) loop() {
	for !r.quit {
		fmt.Fprint(r.out, "> ")
		if !r.in.Scan() {
			break
		}
		line := strings.TrimSpace(r.in.Text())
		if line == "" {
			continue
		}
		name, args, _ := strings.Cut(line, " ")
		cmd := findCommand(name)
		if cmd == nil {
			fmt.Fprintf(r.out, "Unknown command '%s'. Type 'help' for"+
				" the list of commands.\n", name)
			continue
		}
		if err := cmd.action(r, strings.TrimSpace(args)); err != nil {
			fmt.Fprintf(r.out, "Error: %v\n", err)
		}
	}
}

func findCommand(name string) *command {
	for i := range commands {
		if commands[i].name == name {
			return &commands[i]
		}
	}
	return nil
}

func doRegister(r *repl, args string) error {
	nickname, info, _ := strings.Cut(args, " ")
	if nickname == "" {
		return fmt.Errorf("usage: register <nickname> [info]")
	}
	fmt.Fprintf(r.out, "Registering '%s'. Searching proof-of-work, this"+
		" will take a while...\n", nickname)
	done := make(chan bool, 1)
	err := r.node.Register(nickname, strings.TrimSpace(info), func(ok bool) {
		done <- ok
	})
	if err != nil {
		return err
	}
	if !<-done {
		return fmt.Errorf("registration of '%s' failed; see the log", nickname)
	}
	fmt.Fprintf(r.out, "User '%s' successfully registered.\n", nickname)
	return nil
}

func doLogin(r *repl, args string) error {
	if args == "" {
		return fmt.Errorf("usage: login <nickname>")
	}
	callbacks := core.NodeCallbacks{
		NewMessage: func(msg *core.Message) {
			fmt.Fprintf(r.out, "\nNew message received: '%s'.\n> ", msg.Subject)
		},
		NewUser: func(user *core.User) {
			fmt.Fprintf(r.out, "\nNew peer handshaked: '%s'.\n> ", user.Nickname)
		},
	}
	if err := r.node.Login(args, callbacks); err != nil {
		return err
	}
	fmt.Fprintf(r.out, "User '%s' successfully logged in.\n", args)
	return nil
}

func doLogout(r *repl, _ string) error {
	return r.node.Logout()
}

func doLsPeer(r *repl, _ string) error {
	peers := r.node.Peers()
	if len(peers) == 0 {
		fmt.Fprintln(r.out, "No connected peers.")
		return nil
	}
	for _, peer := range peers {
		state := "connecting"
		if peer.IsHandshaked() {
			state = "handshaked"
		}
		via := r.node.PeerAddress(peer)
		if via == "" {
			via = "inbound"
		}
		fmt.Fprintf(r.out, "%s [%s] %s via %s\n",
			peer.Description(), state, peer.ConnectionDescription(), via)
	}
	return nil
}

func (r *repl) prompt(label string) string {
	fmt.Fprintf(r.out, "%s: ", label)
	if !r.in.Scan() {
		return ""
	}
	return strings.TrimSpace(r.in.Text())
}

func doMkThread(r *repl, _ string) error {
	topicStr := r.prompt("Topic (comma-separated tags)")
	topic, err := core.NewTopic(topicStr)
	if err != nil {
		return err
	}
	subject := r.prompt("Subject")
	text := r.prompt("Text")
	msg, err := r.node.NewThread(topic, subject, text)
	if err != nil {
		return err
	}
	if err := r.node.SendMessage(msg); err != nil {
		return err
	}
	fmt.Fprintf(r.out, "Thread started: %s\n", msg.ID().Short())
	return nil
}

func doMkReply(r *repl, args string) error {
	parentID, err := parseMessageID(args)
	if err != nil {
		return err
	}
	subject := r.prompt("Subject")
	text := r.prompt("Text")
	msg, err := r.node.NewReply(parentID, subject, text)
	if err != nil {
		return err
	}
	if err := r.node.SendMessage(msg); err != nil {
		return err
	}
	fmt.Fprintf(r.out, "Reply sent: %s\n", msg.ID().Short())
	return nil
}

func doLsBoard(r *repl, _ string) error {
	r.node.ListBoard(func(ok bool, msg *core.Message) bool {
		if !ok {
			fmt.Fprintln(r.out, "Failed to list the board; see the log.")
			return false
		}
		if msg == nil {
			return false
		}
		fmt.Fprintf(r.out, "%s  [%s] %s\n",
			msg.ID().String(), msg.Topic, msg.Subject)
		return true
	})
	return nil
}

func doLsThread(r *repl, args string) error {
	rootID, err := parseMessageID(args)
	if err != nil {
		return err
	}
	root, err := r.node.ListThread(rootID)
	if err != nil {
		return err
	}
	core.VisitThread(root, func(msg *core.Message, depth int) {
		indent := strings.Repeat("  ", depth)
		fmt.Fprintf(r.out, "%s%s (%s)\n%s%s\n",
			indent, msg.Subject, msg.Timestamp.Format("2006-01-02 15:04"),
			indent, msg.Text)
	})
	return nil
}

func doQuit(r *repl, _ string) error {
	r.quit = true
	return nil
}

func doHelp(r *repl, args string) error {
	if args != "" {
		cmd := findCommand(args)
		if cmd == nil {
			return fmt.Errorf("unknown command '%s'", args)
		}
		fmt.Fprintln(r.out, cmd.help)
		return nil
	}
	for _, cmd := range commands {
		fmt.Fprintln(r.out, cmd.help)
	}
	return nil
}

func parseMessageID(arg string) (core.Hash, error) {
	var id core.Hash
	raw, err := hex.DecodeString(arg)
	if err != nil || len(raw) != core.HashSize {
		return id, fmt.Errorf("'%s' is not a message id", arg)
	}
	copy(id[:], raw)
	return id, nil
}
