package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/cobra"

	"github.com/peercall/peercall/internal/signalclient"
)

var joinCmd = &cobra.Command{
	Use:   "join <room>",
	Short: "Join a room and call everyone in it",
	Long: `Join connects to the relay, enters the room and starts a call with
every member already present. Lines typed on stdin are sent as chat;
type /quit (or press Ctrl-C) to hang up and leave.`,
	Args: cobra.ExactArgs(1),
	RunE: runJoin,
}

func runJoin(cmd *cobra.Command, args []string) error {
	roomID := args[0]
	name := flagName
	if name == "" {
		name = os.Getenv("USER")
	}
	if name == "" {
		name = "anonymous"
	}
	logger := newLogger()
	out := cmd.OutOrStdout()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ice := overrideICEServers()
	if ice == nil {
		ice = fetchICEServers(ctx, flagServer)
	}

	peers := newPeerSet(ice, logger, out)
	defer peers.dropAll()

	done := make(chan struct{})
	handlers := signalclient.Handlers{
		OnRoomJoined: func(ev signalclient.RoomJoined) {
			fmt.Fprintf(out, "* joined %s as %s (%d member(s))\n", ev.RoomID, name, len(ev.Members))
			// The newcomer rings everyone already present; members who
			// arrive later ring us. Deterministic roles, no glare.
			for _, m := range ev.Members {
				if m.SocketID == ev.SelfID {
					continue
				}
				fmt.Fprintf(out, "* calling %s\n", m.UserName)
				s, err := peers.session(m.SocketID, m.UserName)
				if err == nil {
					err = s.StartCall()
				}
				if err != nil {
					fmt.Fprintf(out, "* calling %s failed: %v\n", m.UserName, err)
				}
			}
		},
		OnPeerJoined: func(ev signalclient.PeerJoined) {
			fmt.Fprintf(out, "* %s joined\n", ev.UserName)
		},
		OnPeerLeft: func(ev signalclient.PeerLeft) {
			fmt.Fprintf(out, "* %s left\n", ev.UserName)
			peers.drop(ev.SocketID)
		},
		OnChat: func(ev signalclient.Chat) {
			fmt.Fprintf(out, "[%s] %s: %s\n", ev.Timestamp.Local().Format("15:04:05"), ev.UserName, ev.Message)
		},
		OnSignal: func(sig signalclient.PeerSignal) {
			peers.handleSignal(sig)
		},
		OnError: func(e signalclient.ServerError) {
			fmt.Fprintf(out, "* relay error %s: %s\n", e.Code, e.Message)
		},
		OnDisconnect: func(err error) {
			if err != nil {
				fmt.Fprintf(out, "* connection lost: %v\n", err)
			}
			close(done)
		},
	}

	client, err := signalclient.Dial(ctx, flagServer, handlers, logger)
	if err != nil {
		return err
	}
	defer client.Close()
	peers.bind(client)

	if err := client.JoinRoom(roomID, name); err != nil {
		return err
	}

	input := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			input <- scanner.Text()
		}
		close(input)
	}()

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(out, "* leaving")
			return nil
		case <-done:
			return nil
		case line, ok := <-input:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if line == "/quit" {
				fmt.Fprintln(out, "* leaving")
				return nil
			}
			if err := client.SendChat(line); err != nil {
				return err
			}
		}
	}
}

// overrideICEServers builds an ICE list from the --stun/--turn flags,
// or nil when neither was given.
func overrideICEServers() []webrtc.ICEServer {
	if len(flagSTUN) == 0 && len(flagTURN) == 0 {
		return nil
	}
	var servers []webrtc.ICEServer
	if len(flagSTUN) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: flagSTUN})
	}
	if len(flagTURN) > 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs:       flagTURN,
			Username:   flagTURNUser,
			Credential: flagTURNPass,
		})
	}
	return servers
}

// fetchICEServers asks the relay for its ICE configuration. A relay
// that cannot provide one is not fatal; hosts on the same network can
// still connect with host candidates.
func fetchICEServers(ctx context.Context, wsURL string) []webrtc.ICEServer {
	base := strings.TrimSuffix(wsURL, "/ws")
	base = strings.Replace(base, "wss://", "https://", 1)
	base = strings.Replace(base, "ws://", "http://", 1)

	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, base+"/webrtc/ice", nil)
	if err != nil {
		return nil
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}
	var body struct {
		ICEServers []webrtc.ICEServer `json:"iceServers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil
	}
	return body.ICEServers
}
