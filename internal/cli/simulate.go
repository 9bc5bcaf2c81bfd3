package cli

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/spf13/cobra"
)

type simulateOptions struct {
	broker    string
	sessionID string
	projectID string
	entityID  string
	fromX     float64
	fromY     float64
	dx        float64
	dy        float64
	steps     int
	interval  time.Duration
	settle    time.Duration
}

// move matches the payload accepted on layouts/{sessionID}/moves.
type move struct {
	ID string  `json:"id"`
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
}

func newSimulateCmd() *cobra.Command {
	opts := simulateOptions{}

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Drag an entity through a live session over MQTT",
		Long: `Publishes a stream of moves for one entity to layouts/{session}/moves, the way
an editor client does during a drag, then waits for the server's saved notification.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.broker, "broker", "tcp://localhost:1883", "MQTT broker address")
	cmd.Flags().StringVarP(&opts.sessionID, "session", "s", "", "layout session id")
	cmd.Flags().StringVarP(&opts.projectID, "project", "p", "+", "project id to watch for saved notifications")
	cmd.Flags().StringVarP(&opts.entityID, "entity", "e", "", "table or room item id to drag")
	cmd.Flags().Float64Var(&opts.fromX, "from-x", 0, "starting canvas x")
	cmd.Flags().Float64Var(&opts.fromY, "from-y", 0, "starting canvas y")
	cmd.Flags().Float64Var(&opts.dx, "dx", 200, "total x displacement")
	cmd.Flags().Float64Var(&opts.dy, "dy", 0, "total y displacement")
	cmd.Flags().IntVar(&opts.steps, "steps", 20, "number of intermediate moves")
	cmd.Flags().DurationVar(&opts.interval, "interval", 16*time.Millisecond, "delay between moves")
	cmd.Flags().DurationVar(&opts.settle, "settle", 3*time.Second, "how long to wait for the saved notification")
	_ = cmd.MarkFlagRequired("session")
	_ = cmd.MarkFlagRequired("entity")

	return cmd
}

func runSimulate(cmd *cobra.Command, opts simulateOptions) error {
	ctx := cmd.Context()
	logger := loggerFromContext(ctx)
	out := cmd.OutOrStdout()

	path := dragPath(opts.entityID, opts.fromX, opts.fromY, opts.dx, opts.dy, opts.steps)
	if len(path) == 0 {
		return fmt.Errorf("--steps must be positive")
	}

	clientID := fmt.Sprintf("layoutctl-%d", time.Now().UnixNano())
	client := mqtt.NewClient(mqtt.NewClientOptions().
		AddBroker(opts.broker).
		SetClientID(clientID).
		SetOrderMatters(true))

	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("connect to broker: %w", token.Error())
	}
	defer client.Disconnect(250)
	logger.Info("connected", "broker", opts.broker, "client", clientID)

	saved := make(chan []byte, 1)
	savedTopic := fmt.Sprintf("layouts/%s/saved", opts.projectID)
	token := client.Subscribe(savedTopic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		select {
		case saved <- msg.Payload():
		default:
		}
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("subscribe %s: %w", savedTopic, token.Error())
	}

	topic := fmt.Sprintf("layouts/%s/moves", opts.sessionID)
	ticker := time.NewTicker(opts.interval)
	defer ticker.Stop()

	for i, m := range path {
		payload, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encode move: %w", err)
		}
		if token := client.Publish(topic, 0, false, payload); token.Wait() && token.Error() != nil {
			return fmt.Errorf("publish move: %w", token.Error())
		}
		logger.Debug("published move", "step", i+1, "x", m.X, "y", m.Y)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	last := path[len(path)-1]
	printSuccess(out, "Published %d moves for %s", len(path), opts.entityID)
	printKeyValue(out, "final", fmt.Sprintf("(%.1f, %.1f)", last.X, last.Y))

	select {
	case payload := <-saved:
		var note struct {
			Count   int       `json:"count"`
			SavedAt time.Time `json:"saved_at"`
		}
		if err := json.Unmarshal(payload, &note); err != nil {
			printWarning(out, "Unreadable saved notification: %v", err)
			return nil
		}
		printSuccess(out, "Server saved %d position(s) at %s", note.Count, note.SavedAt.Format("15:04:05.000"))
	case <-time.After(opts.settle):
		printWarning(out, "No saved notification within %s", opts.settle)
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// dragPath interpolates steps evenly spaced moves from (x0, y0) to
// (x0+dx, y0+dy). The final move lands exactly on the target.
func dragPath(id string, x0, y0, dx, dy float64, steps int) []move {
	if steps <= 0 {
		return nil
	}
	path := make([]move, steps)
	for i := 1; i <= steps; i++ {
		f := float64(i) / float64(steps)
		path[i-1] = move{ID: id, X: x0 + dx*f, Y: y0 + dy*f}
	}
	return path
}
