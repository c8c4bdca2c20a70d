package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"runtime"

	"github.com/pkg/errors"

	"heraldcast.app/herald/announcer"
	"heraldcast.app/herald/hub"
	"heraldcast.app/herald/internal/config"
)

var (
	version string
	build   string

	hubArg     = flag.String("hub", "", "WebSocket URL of the player hub. Overrides the saved settings.")
	playerArg  = flag.String("p", "", "ID of the player to announce on. Falls back to the saved default.")
	urlArg     = flag.String("u", "", "URL of the audio file to announce.")
	volumeArg  = flag.Int("vol", -1, "Announcement volume (0-100). -1 keeps the player's current level.")
	noWaitPtr  = flag.Bool("nowait", false, "Return as soon as the hub accepts the announcement.")
	timeoutPtr = flag.Duration("timeout", 0, "Completion wait budget. 0 sizes it from the media duration.")
	listPtr    = flag.Bool("l", false, "List all players the hub knows and their capabilities.")
	findPtr    = flag.Bool("find-hubs", false, "Discover player hubs on the local network.")
	debugPtr   = flag.Bool("debug", false, "Log client internals to stderr.")
	versionPtr = flag.Bool("version", false, "Print version.")
)

func main() {
	flag.Parse()

	exit, err := checkflags()
	check(err)
	if exit {
		os.Exit(0)
	}

	conf, err := config.Get()
	check(err)

	hubURL, err := resolveHubURL(conf)
	check(err)

	client := announcer.New(hubURL)
	if *debugPtr {
		client.SetLogOutput(os.Stderr)
	}
	defer client.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	err = client.Connect(ctx)
	check(err)

	if *listPtr {
		check(listFlagFunction(ctx, client))
		os.Exit(0)
	}

	playerID := *playerArg
	if playerID == "" {
		playerID = conf.DefaultPlayer
	}
	if playerID == "" {
		check(errors.New("no player selected, use -p or set default_player in the settings"))
	}

	opts := announcer.Options{NoWait: *noWaitPtr, Timeout: *timeoutPtr}
	if *volumeArg >= 0 {
		opts.Volume = volumeArg
	}

	done, err := client.Announce(ctx, playerID, *urlArg, opts)
	check(err)

	switch {
	case *noWaitPtr:
		fmt.Println("Announcement accepted.")
	case done:
		fmt.Println("Announcement completed.")
	default:
		fmt.Println("Announcement sent, completion not confirmed.")
	}
}

func check(err error) {
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Encountered error(s): %s\n", err)
		os.Exit(1)
	}
}

func checkflags() (exit bool, err error) {
	checkVerflag()

	if *findPtr {
		if err := findHubsFlagFunction(); err != nil {
			return false, errors.Wrap(err, "checkflags error")
		}
		return true, nil
	}

	if err := checkUflag(); err != nil {
		return false, errors.Wrap(err, "checkflags error")
	}

	if err := checkVolflag(); err != nil {
		return false, errors.Wrap(err, "checkflags error")
	}

	return false, nil
}

func checkUflag() error {
	if *listPtr {
		return nil
	}

	if *urlArg == "" {
		return errors.New("no media URL, use -u to announce or -l to list players")
	}

	// Validate URL before proceeding.
	if _, err := url.ParseRequestURI(*urlArg); err != nil {
		return errors.Wrap(err, "checkUflag parse error")
	}

	return nil
}

func checkVolflag() error {
	if *volumeArg < -1 || *volumeArg > 100 {
		return errors.New("checkVolflag error: volume must be between 0 and 100")
	}

	return nil
}

func checkVerflag() {
	if *versionPtr {
		fmt.Printf("Herald Version: %s, ", version)
		fmt.Printf("Build: %s\n", build)
		os.Exit(0)
	}
}

// resolveHubURL picks the hub address: the -hub flag wins, then the
// saved settings, then the first hub mDNS finds on the network.
func resolveHubURL(conf *config.Settings) (string, error) {
	if *hubArg != "" {
		if _, err := url.ParseRequestURI(*hubArg); err != nil {
			return "", errors.Wrap(err, "resolveHubURL parse error")
		}
		return *hubArg, nil
	}

	if conf.HubURL != "" {
		return conf.HubURL, nil
	}

	entries, err := hub.DiscoverHubs(hub.DefaultDiscoverTimeout)
	if err != nil {
		return "", errors.Wrap(err, "resolveHubURL discovery error")
	}

	return entries[0].URL, nil
}

func listFlagFunction(ctx context.Context, client *announcer.Client) error {
	candidates, err := client.Players(ctx)
	if err != nil {
		return errors.Wrap(err, "listFlagFunction error")
	}

	if len(candidates) == 0 {
		return errors.New("the hub reports no players")
	}
	fmt.Println()

	for i, c := range candidates {
		boldStart := ""
		boldEnd := ""

		if runtime.GOOS == "linux" {
			boldStart = "\033[1m"
			boldEnd = "\033[0m"
		}
		fmt.Printf("%sPlayer %v%s\n", boldStart, i+1, boldEnd)
		fmt.Printf("%s--------%s\n", boldStart, boldEnd)
		fmt.Printf("%sName:%s  %s\n", boldStart, boldEnd, c.Player.Name)
		fmt.Printf("%sID:%s    %s\n", boldStart, boldEnd, c.Player.ID)
		fmt.Printf("%sState:%s %s\n", boldStart, boldEnd, c.Player.PlaybackState)
		if c.Player.VolumeLevel != nil {
			fmt.Printf("%sVol:%s   %d\n", boldStart, boldEnd, *c.Player.VolumeLevel)
		}
		if c.Player.CurrentMedia != "" {
			fmt.Printf("%sMedia:%s %s\n", boldStart, boldEnd, c.Player.CurrentMedia)
		}
		fmt.Printf("%sCaps:%s  %s\n", boldStart, boldEnd, c.Caps)
		fmt.Println()
	}

	return nil
}

func findHubsFlagFunction() error {
	entries, err := hub.DiscoverHubs(hub.DefaultDiscoverTimeout)
	if err != nil {
		return errors.Wrap(err, "findHubsFlagFunction error")
	}
	fmt.Println()

	for i, e := range entries {
		boldStart := ""
		boldEnd := ""

		if runtime.GOOS == "linux" {
			boldStart = "\033[1m"
			boldEnd = "\033[0m"
		}
		fmt.Printf("%sHub %v%s\n", boldStart, i+1, boldEnd)
		fmt.Printf("%s--------%s\n", boldStart, boldEnd)
		fmt.Printf("%sName:%s %s\n", boldStart, boldEnd, e.Name)
		fmt.Printf("%sURL:%s  %s\n", boldStart, boldEnd, e.URL)
		fmt.Println()
	}

	return nil
}
