package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"golang.org/x/term"

	"github.com/commentlive/client/live"
)

const LiveCtlVersion = "0.0.1"

const defaultApiUrl = "http://localhost:3000/api"
const defaultEventsUrl = "ws://localhost:3000/events"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := fmt.Sprintf(`Live comment control.

The default urls are:
    api_url: %s
    events_url: %s

The jwt is read from --jwt, then --jwt_file, then LIVE_JWT, then a prompt.

Usage:
    livectl comments [--api_url=<api_url>] [--jwt=<jwt>] [--jwt_file=<jwt_file>]
    livectl watch [--api_url=<api_url>] [--events_url=<events_url>] [--jwt=<jwt>] [--jwt_file=<jwt_file>]
        [--max_retries=<max_retries>]
        [--buffer_timeout=<buffer_timeout>]
        [--v=<v>]
    livectl like [--api_url=<api_url>] [--jwt=<jwt>] [--jwt_file=<jwt_file>] [--dislike | --clear] <target_id>
    livectl comment [--api_url=<api_url>] [--jwt=<jwt>] [--jwt_file=<jwt_file>] <body>
    livectl reply [--api_url=<api_url>] [--jwt=<jwt>] [--jwt_file=<jwt_file>] <comment_id> <body>
    livectl delete [--api_url=<api_url>] [--jwt=<jwt>] [--jwt_file=<jwt_file>] [--reply] <target_id>

Options:
    -h --help                          Show this screen.
    --version                          Show version.
    --api_url=<api_url>
    --events_url=<events_url>
    --jwt=<jwt>                        Your session JWT.
    --jwt_file=<jwt_file>              A file that holds the session JWT.
    --max_retries=<max_retries>        Reconnect attempts before giving up [default: 8].
    --buffer_timeout=<buffer_timeout>  How long an update waits for its parent [default: 10s].
    --v=<v>                            Log verbosity [default: 0].
    --dislike                          Dislike instead of like.
    --clear                            Remove the like or dislike.
    --reply                            The target is a reply.`,
		defaultApiUrl,
		defaultEventsUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], LiveCtlVersion)
	if err != nil {
		panic(err)
	}

	if comments_, _ := opts.Bool("comments"); comments_ {
		comments(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if like_, _ := opts.Bool("like"); like_ {
		like(opts)
	} else if comment_, _ := opts.Bool("comment"); comment_ {
		comment(opts)
	} else if reply_, _ := opts.Bool("reply"); reply_ {
		reply(opts)
	} else if delete_, _ := opts.Bool("delete"); delete_ {
		deleteTarget(opts)
	}
}

func apiUrl(opts docopt.Opts) string {
	if apiUrl, err := opts.String("--api_url"); err == nil && apiUrl != "" {
		return apiUrl
	}
	return defaultApiUrl
}

func eventsUrl(opts docopt.Opts) string {
	if eventsUrl, err := opts.String("--events_url"); err == nil && eventsUrl != "" {
		return eventsUrl
	}
	return defaultEventsUrl
}

func credentials(opts docopt.Opts) live.CredentialStore {
	if jwt, err := opts.String("--jwt"); err == nil && jwt != "" {
		return live.NewMemoryCredentialStore(jwt)
	}
	if jwtFile, err := opts.String("--jwt_file"); err == nil && jwtFile != "" {
		return live.NewFileCredentialStore(jwtFile)
	}
	if jwt := os.Getenv("LIVE_JWT"); jwt != "" {
		return live.NewMemoryCredentialStore(jwt)
	}
	fmt.Fprint(os.Stderr, "jwt: ")
	jwtBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		panic(err)
	}
	return live.NewMemoryCredentialStore(strings.TrimSpace(string(jwtBytes)))
}

type noTransport struct{}

func (self noTransport) Connect(ctx context.Context, credential string) (live.ChannelConn, error) {
	return nil, fmt.Errorf("No push channel.")
}

// a client for one request. The push channel is not started.
func requestClient(ctx context.Context, opts docopt.Opts) *live.Client {
	credentials := credentials(opts)
	api := live.NewCommentApi(apiUrl(opts), credentials)
	client := live.NewClientWithDefaults(ctx, api, noTransport{}, credentials, live.NewLogNotifier())
	credential, err := credentials.Credential()
	if err != nil {
		Err.Fatalf("%s", err)
	}
	claims, err := live.ParseCredentialUnverified(credential)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	client.Store().SetSelfId(claims.UserId)
	return client
}

func comments(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := requestClient(ctx, opts)
	defer client.Close()

	if err := client.LoadComments(ctx); err != nil {
		Err.Fatalf("%s", err)
	}
	printComments(client.Store())
}

func watch(opts docopt.Opts) {
	if v, err := opts.String("--v"); err == nil {
		flag.Set("logtostderr", "true")
		flag.Set("v", v)
	}

	settings := live.DefaultClientSettings()
	if maxRetries, err := opts.Int("--max_retries"); err == nil {
		settings.ChannelSettings.MaxRetries = maxRetries
	}
	if bufferTimeoutStr, err := opts.String("--buffer_timeout"); err == nil {
		bufferTimeout, err := time.ParseDuration(bufferTimeoutStr)
		if err != nil {
			Err.Fatalf("%s", err)
		}
		settings.RouterSettings.BufferTimeout = bufferTimeout
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	credentials := credentials(opts)
	client := live.NewClient(
		ctx,
		live.SystemClock(),
		live.NewCommentApi(apiUrl(opts), credentials),
		live.NewWsTransportWithDefaults(eventsUrl(opts)),
		credentials,
		&printNotifier{},
		settings,
	)
	defer client.Close()

	client.AddOutcomeCallback(func(outcome *live.Outcome) {
		change := outcome.Change
		if change.Source != live.ChangeSourcePush {
			return
		}
		Out.Printf("%-10s %-22s %s\n", outcome.Status, change.Kind, change.Target())
	})
	client.AddSessionInvalidatedCallback(func(err error) {
		Err.Printf("session invalidated: %s", err)
		cancel()
	})

	if err := client.Start(); err != nil {
		Err.Fatalf("%s", err)
	}
	if err := client.LoadComments(ctx); err != nil {
		Err.Fatalf("%s", err)
	}
	printComments(client.Store())

	<-ctx.Done()
}

func like(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := requestClient(ctx, opts)
	defer client.Close()

	if err := client.LoadComments(ctx); err != nil {
		Err.Fatalf("%s", err)
	}

	targetIdStr, _ := opts.String("<target_id>")
	targetId := live.Id(targetIdStr)

	dislike, _ := opts.Bool("--dislike")
	clearLike, _ := opts.Bool("--clear")
	var err error
	switch {
	case clearLike:
		err = client.ClearLike(ctx, targetId)
	case dislike:
		err = client.Dislike(ctx, targetId)
	default:
		err = client.Like(ctx, targetId)
	}
	if err != nil {
		Err.Fatalf("%s", err)
	}

	if comment, ok := client.Store().Comment(targetId); ok {
		Out.Printf("%s %s\n", comment.Id, likeSummary(comment.LikeCounts, comment.LikeStatus))
	} else if reply, ok := client.Store().Reply(targetId); ok {
		Out.Printf("%s %s\n", reply.Id, likeSummary(reply.LikeCounts, reply.LikeStatus))
	}
}

func comment(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := requestClient(ctx, opts)
	defer client.Close()

	body, _ := opts.String("<body>")
	comment, err := client.CreateComment(ctx, body)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	Out.Printf("%s\n", comment.Id)
}

func reply(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := requestClient(ctx, opts)
	defer client.Close()

	if err := client.LoadComments(ctx); err != nil {
		Err.Fatalf("%s", err)
	}

	commentIdStr, _ := opts.String("<comment_id>")
	body, _ := opts.String("<body>")
	reply, err := client.CreateReply(ctx, live.Id(commentIdStr), body)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	Out.Printf("%s\n", reply.Id)
}

func deleteTarget(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := requestClient(ctx, opts)
	defer client.Close()

	if err := client.LoadComments(ctx); err != nil {
		Err.Fatalf("%s", err)
	}

	targetIdStr, _ := opts.String("<target_id>")
	isReply, _ := opts.Bool("--reply")
	var err error
	if isReply {
		err = client.DeleteReply(ctx, live.Id(targetIdStr))
	} else {
		err = client.DeleteComment(ctx, live.Id(targetIdStr))
	}
	if err != nil {
		Err.Fatalf("%s", err)
	}
	Out.Printf("deleted %s\n", targetIdStr)
}

func printComments(store *live.EntityStore) {
	for _, comment := range store.Comments() {
		Out.Printf(
			"%s %s %s: %s\n",
			comment.CreatedAt.Format(time.RFC3339),
			comment.Id,
			likeSummary(comment.LikeCounts, comment.LikeStatus),
			comment.Body,
		)
		for _, reply := range store.Replies(comment.Id) {
			Out.Printf(
				"    %s %s %s: %s\n",
				reply.CreatedAt.Format(time.RFC3339),
				reply.Id,
				likeSummary(reply.LikeCounts, reply.LikeStatus),
				reply.Body,
			)
		}
	}
}

func likeSummary(counts live.LikeCounts, status live.LikeStatus) string {
	mark := ""
	switch status.Type() {
	case live.LikeTypeLike:
		mark = "*"
	case live.LikeTypeDislike:
		mark = "!"
	}
	return fmt.Sprintf("[+%d -%d%s]", counts.Likes, counts.Dislikes, mark)
}

type printNotifier struct{}

func (self *printNotifier) ShowSuccess(title string, message string) {
	Err.Printf("ok: %s %s", title, message)
}

func (self *printNotifier) ShowError(title string, message string) {
	Err.Printf("error: %s %s", title, message)
}

func (self *printNotifier) ShowInfo(title string, message string) {
	Err.Printf("%s %s", title, message)
}
