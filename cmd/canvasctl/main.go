package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"nhooyr.io/websocket"

	"github.com/openboard/canvasd/internal/boardsync"
	"github.com/openboard/canvasd/internal/canvas"
)

const usage = `usage: canvasctl [flags] <command> [args]

commands:
  list                         print the canvas in stacking order
  create <type> [x] [y]        create an object
  move <id> <x> <y>            move an object
  delete <id>                  delete an object
  lock <id>                    acquire the edit lock
  unlock <id>                  release the edit lock
  front <id>                   bring to front
  back <id>                    send to back
  forward <id>                 move one step forward
  backward <id>                move one step backward
  group <id> <id> [id...]      group objects
  ungroup <groupId> [id...]    ungroup all or a subset
  undo                         undo the last operation
  redo                         redo the last undone operation
  history                      print undo/redo depths
  watch                        stream canvas events until interrupted
`

func main() {
	_ = godotenv.Load()

	baseURL := flag.String("url", envOr("CANVASD_URL", "http://127.0.0.1:8080"), "canvasd base URL")
	token := flag.String("token", os.Getenv("CANVASD_TOKEN"), "bearer token")
	canvasID := flag.String("canvas", os.Getenv("CANVASD_CANVAS"), "canvas id")
	timeout := flag.Duration("timeout", 15*time.Second, "request timeout")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}
	if *canvasID == "" {
		log.Fatal("canvas id is required (-canvas or CANVASD_CANVAS)")
	}

	client := boardsync.NewHTTPClient(*baseURL, *token, nil)
	session, err := boardsync.NewSession(client, *canvasID)
	if err != nil {
		log.Fatalf("session: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	command := args[0]
	rest := args[1:]
	if command == "watch" {
		// Watch runs until interrupted, not until the request timeout.
		cancel()
		watch(*baseURL, *token, *canvasID)
		return
	}

	if err := run(ctx, session, command, rest); err != nil {
		log.Fatalf("%s: %v", command, err)
	}
}

func run(ctx context.Context, session *boardsync.Session, command string, args []string) error {
	switch command {
	case "list":
		if err := session.Resync(ctx); err != nil {
			return err
		}
		for _, obj := range session.Objects() {
			printObject(obj)
		}
		return nil
	case "create":
		if len(args) < 1 {
			return fmt.Errorf("usage: create <type> [x] [y]")
		}
		params := boardsync.CreateObjectParams{Type: args[0]}
		if len(args) > 1 {
			if _, err := fmt.Sscanf(args[1], "%g", &params.X); err != nil {
				return fmt.Errorf("invalid x %q", args[1])
			}
		}
		if len(args) > 2 {
			if _, err := fmt.Sscanf(args[2], "%g", &params.Y); err != nil {
				return fmt.Errorf("invalid y %q", args[2])
			}
		}
		obj, err := session.CreateObject(ctx, params)
		if err != nil {
			return err
		}
		printObject(obj)
		return nil
	case "move":
		if len(args) != 3 {
			return fmt.Errorf("usage: move <id> <x> <y>")
		}
		var x, y float64
		if _, err := fmt.Sscanf(args[1], "%g", &x); err != nil {
			return fmt.Errorf("invalid x %q", args[1])
		}
		if _, err := fmt.Sscanf(args[2], "%g", &y); err != nil {
			return fmt.Errorf("invalid y %q", args[2])
		}
		obj, err := session.UpdateObject(ctx, args[0], boardsync.UpdateObjectParams{X: &x, Y: &y})
		if err != nil {
			return err
		}
		printObject(obj)
		return nil
	case "delete":
		if len(args) != 1 {
			return fmt.Errorf("usage: delete <id>")
		}
		return session.DeleteObject(ctx, args[0])
	case "lock":
		if len(args) != 1 {
			return fmt.Errorf("usage: lock <id>")
		}
		obj, err := session.LockObject(ctx, args[0])
		if err != nil {
			return err
		}
		printObject(obj)
		return nil
	case "unlock":
		if len(args) != 1 {
			return fmt.Errorf("usage: unlock <id>")
		}
		obj, err := session.UnlockObject(ctx, args[0])
		if err != nil {
			return err
		}
		printObject(obj)
		return nil
	case "front", "back", "forward", "backward":
		if len(args) != 1 {
			return fmt.Errorf("usage: %s <id>", command)
		}
		action := map[string]boardsync.ReorderAction{
			"front":    boardsync.ReorderBringToFront,
			"back":     boardsync.ReorderSendToBack,
			"forward":  boardsync.ReorderMoveForward,
			"backward": boardsync.ReorderMoveBackward,
		}[command]
		result, err := session.Reorder(ctx, args[0], action)
		if err != nil {
			return err
		}
		if result.Status == "noop" {
			fmt.Printf("already at %s\n", result.Boundary)
			return nil
		}
		for _, obj := range result.Objects {
			printObject(obj)
		}
		return nil
	case "group":
		if len(args) < 2 {
			return fmt.Errorf("usage: group <id> <id> [id...]")
		}
		result, err := session.GroupObjects(ctx, args)
		if err != nil {
			return err
		}
		fmt.Printf("group %s\n", result.GroupID)
		for _, obj := range result.Objects {
			printObject(obj)
		}
		return nil
	case "ungroup":
		if len(args) < 1 {
			return fmt.Errorf("usage: ungroup <groupId> [id...]")
		}
		objects, err := session.UngroupObjects(ctx, args[0], args[1:])
		if err != nil {
			return err
		}
		for _, obj := range objects {
			printObject(obj)
		}
		return nil
	case "undo", "redo":
		var (
			result boardsync.HistoryResult
			err    error
		)
		if command == "undo" {
			result, err = session.Undo(ctx)
		} else {
			result, err = session.Redo(ctx)
		}
		if err != nil {
			return err
		}
		if result.Status == "noop" {
			fmt.Println("nothing to", command)
			return nil
		}
		fmt.Printf("%s applied (%s)\n", command, result.Kind)
		return nil
	case "history":
		if err := session.Resync(ctx); err != nil {
			return err
		}
		fmt.Printf("undo depth: %d\nredo depth: %d\n", session.UndoDepth(), session.RedoDepth())
		return nil
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func watch(baseURL, token, canvasID string) {
	wsURL := strings.Replace(strings.TrimRight(baseURL, "/"), "http", "ws", 1) +
		"/v1/canvases/" + canvasID + "/ws"

	ctx := context.Background()
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	})
	if err != nil {
		log.Fatalf("dial %s: %v", wsURL, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		_, payload, err := conn.Read(ctx)
		if err != nil {
			log.Fatalf("feed closed: %v", err)
		}
		var event canvas.Event
		if err := json.Unmarshal(payload, &event); err != nil {
			continue
		}
		line := fmt.Sprintf("%s %s", event.Timestamp.Format(time.RFC3339), event.Type)
		for _, obj := range event.Objects {
			line += " " + obj.ID
		}
		for _, id := range event.DeletedIDs {
			line += " -" + id
		}
		fmt.Println(line)
	}
}

func printObject(obj canvas.Object) {
	lock := ""
	if obj.LockedBy != "" {
		lock = " locked_by=" + obj.LockedBy
	}
	group := ""
	if obj.GroupID != "" {
		group = " group=" + obj.GroupID
	}
	fmt.Printf("%s z=%g %s (%.1f, %.1f)%s%s\n", obj.ID, obj.ZIndex, obj.Type, obj.X, obj.Y, group, lock)
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
