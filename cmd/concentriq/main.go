// concentriq is a command line client for the Proscia Concentriq platform:
// browse repositories and image sets, upload and download slide images, and
// move annotations in and out.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/bytedance/sonic"
	"github.com/guregu/null/v6"

	concentriq "github.com/slidepath/concentriq-go"
	"github.com/slidepath/concentriq-go/internal/logging"
)

const version = "0.3.0"

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: concentriq <command> [flags]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  config setup|show|ping       manage the configuration file")
	fmt.Fprintln(os.Stderr, "  group list|info              browse repositories")
	fmt.Fprintln(os.Stderr, "  imageset list|info|create|delete|export-csv")
	fmt.Fprintln(os.Stderr, "  image list|info|upload|download|delete")
	fmt.Fprintln(os.Stderr, "  annotation list|delete|export|import")
	fmt.Fprintln(os.Stderr, "  version                      print the client version")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Global flags (set before the command):")
	fmt.Fprintln(os.Stderr, "  -config PATH   configuration file (default ~/.concentriq/config.yaml)")
	fmt.Fprintln(os.Stderr, "  -json          print raw JSON instead of tables")
	os.Exit(2)
}

var (
	configPath string
	jsonOutput bool
)

func main() {
	flag.StringVar(&configPath, "config", concentriq.DefaultConfigPath(), "configuration file")
	flag.BoolVar(&jsonOutput, "json", false, "print raw JSON instead of tables")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch args[0] {
	case "version":
		fmt.Println(version)
	case "config":
		runConfig(ctx, args[1:])
	case "group":
		runGroup(ctx, args[1:])
	case "imageset":
		runImageSet(ctx, args[1:])
	case "image":
		runImage(ctx, args[1:])
	case "annotation":
		runAnnotation(ctx, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args[0])
		usage()
	}
}

func die(format string, v ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", v...)
	os.Exit(1)
}

func newClient() *concentriq.Client {
	cfg, err := concentriq.LoadConfig(configPath)
	if err != nil {
		die("%v (run 'concentriq config setup' first)", err)
	}
	logging.SetLevel(cfg.Logging.Level)

	client, err := concentriq.NewClientFromConfig(cfg)
	if err != nil {
		die("%v", err)
	}
	return client
}

func printJSON(v any) {
	out, err := sonic.MarshalIndent(v, "", "  ")
	if err != nil {
		die("encode output: %v", err)
	}
	fmt.Println(string(out))
}

func table(header string, rows func(w *tabwriter.Writer)) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, header)
	rows(w)
	w.Flush()
}

func runConfig(ctx context.Context, args []string) {
	if len(args) == 0 {
		usage()
	}
	switch args[0] {
	case "setup":
		fs := flag.NewFlagSet("config setup", flag.ExitOnError)
		apiURL := fs.String("api-url", "", "API base URL, e.g. https://demo.concentriq.proscia.com/api/")
		user := fs.String("user", "", "login email")
		password := fs.String("password", "", "password")
		cert := fs.String("ssl-certificate", "", "custom CA bundle path (optional)")
		chunkSize := fs.String("chunk-size", "", "upload chunk size, e.g. 16MB (optional)")
		fs.Parse(args[1:])

		cfg := &concentriq.Config{
			APIURL:         *apiURL,
			User:           *user,
			Password:       *password,
			SSLCertificate: *cert,
		}
		if *chunkSize != "" {
			size, err := concentriq.ParseByteSize(*chunkSize)
			if err != nil {
				die("%v", err)
			}
			cfg.Upload.ChunkSize = size
		}
		if err := concentriq.SaveConfig(cfg, configPath); err != nil {
			die("%v", err)
		}
		fmt.Printf("Configuration written to %s\n", configPath)
	case "show":
		cfg, err := concentriq.LoadConfig(configPath)
		if err != nil {
			die("%v", err)
		}
		redacted := *cfg
		redacted.Password = "********"
		printJSON(redacted)
	case "ping":
		client := newClient()
		start := time.Now()
		groups, err := client.Groups(ctx)
		if err != nil {
			die("%v", err)
		}
		fmt.Printf("OK: %d repositories visible (%s)\n", len(groups), time.Since(start).Round(time.Millisecond))
	default:
		usage()
	}
}

func runGroup(ctx context.Context, args []string) {
	if len(args) == 0 {
		usage()
	}
	client := newClient()
	switch args[0] {
	case "list":
		groups, err := client.Groups(ctx)
		if err != nil {
			die("%v", err)
		}
		if jsonOutput {
			printJSON(groups)
			return
		}
		table("ID\tNAME\tIMAGE SETS\tOWNER", func(w *tabwriter.Writer) {
			for _, g := range groups {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", g.ID, g.Name, g.ImageSetCount.ValueOrZero(), g.OwnerName)
			}
		})
	case "info":
		fs := flag.NewFlagSet("group info", flag.ExitOnError)
		id := fs.Int64("id", 0, "repository id")
		fs.Parse(args[1:])
		if *id == 0 {
			die("-id is required")
		}
		group, err := client.Group(ctx, *id)
		if err != nil {
			die("%v", err)
		}
		printJSON(group)
	default:
		usage()
	}
}

func runImageSet(ctx context.Context, args []string) {
	if len(args) == 0 {
		usage()
	}
	client := newClient()
	switch args[0] {
	case "list":
		sets, err := client.ImageSets(ctx)
		if err != nil {
			die("%v", err)
		}
		if jsonOutput {
			printJSON(sets)
			return
		}
		table("ID\tNAME\tIMAGES\tGROUP\tOWNER", func(w *tabwriter.Writer) {
			for _, s := range sets {
				fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\n", s.ID, s.Name, s.ImageCount, s.GroupName.ValueOrZero(), s.OwnerName)
			}
		})
	case "info":
		fs := flag.NewFlagSet("imageset info", flag.ExitOnError)
		id := fs.Int64("id", 0, "image set id")
		fs.Parse(args[1:])
		if *id == 0 {
			die("-id is required")
		}
		set, err := client.ImageSet(ctx, *id)
		if err != nil {
			die("%v", err)
		}
		printJSON(set)
	case "create":
		fs := flag.NewFlagSet("imageset create", flag.ExitOnError)
		name := fs.String("name", "", "image set name")
		groupID := fs.Int64("group", 0, "repository id")
		fs.Parse(args[1:])
		if *name == "" || *groupID == 0 {
			die("-name and -group are required")
		}
		set, err := client.CreateImageSet(ctx, *name, *groupID)
		if err != nil {
			die("%v", err)
		}
		fmt.Printf("Created image set %d (%s)\n", set.ID, set.Name)
	case "delete":
		fs := flag.NewFlagSet("imageset delete", flag.ExitOnError)
		id := fs.Int64("id", 0, "image set id")
		fs.Parse(args[1:])
		if *id == 0 {
			die("-id is required")
		}
		if err := client.DeleteImageSet(ctx, *id); err != nil {
			die("%v", err)
		}
		fmt.Printf("Deleted image set %d\n", *id)
	case "export-csv":
		fs := flag.NewFlagSet("imageset export-csv", flag.ExitOnError)
		id := fs.Int64("id", 0, "image set id")
		out := fs.String("o", "", "output file (default stdout)")
		fs.Parse(args[1:])
		if *id == 0 {
			die("-id is required")
		}
		csv, err := client.ImageSetMetadataCSV(ctx, *id)
		if err != nil {
			die("%v", err)
		}
		writeOutput(*out, []byte(csv))
	default:
		usage()
	}
}

func runImage(ctx context.Context, args []string) {
	if len(args) == 0 {
		usage()
	}
	client := newClient()
	switch args[0] {
	case "list":
		fs := flag.NewFlagSet("image list", flag.ExitOnError)
		setID := fs.Int64("set", 0, "restrict to one image set")
		search := fs.String("search", "", "general search term")
		pageSize := fs.Int("page-size", 100, "rows fetched per request")
		fs.Parse(args[1:])

		var filters *concentriq.ImageFilters
		if *setID != 0 || *search != "" {
			filters = &concentriq.ImageFilters{}
			if *setID != 0 {
				filters.ImageSetID = []int64{*setID}
			}
			if *search != "" {
				filters.GeneralSearch = []string{*search}
			}
		}

		var all []concentriq.Image
		err := client.EachImagePage(ctx, *pageSize, concentriq.SortByName, false, filters, func(batch []concentriq.Image) error {
			all = append(all, batch...)
			return nil
		})
		if err != nil {
			die("%v", err)
		}
		if jsonOutput {
			printJSON(all)
			return
		}
		table("ID\tNAME\tSET\tSTATUS\tSIZE", func(w *tabwriter.Writer) {
			for _, im := range all {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", im.ID, im.Name, im.ImageSetName, im.Status, im.Filesize.ValueOrZero())
			}
		})
	case "info":
		fs := flag.NewFlagSet("image info", flag.ExitOnError)
		id := fs.Int64("id", 0, "image id")
		fs.Parse(args[1:])
		if *id == 0 {
			die("-id is required")
		}
		image, err := client.Image(ctx, *id)
		if err != nil {
			die("%v", err)
		}
		printJSON(image)
	case "upload":
		fs := flag.NewFlagSet("image upload", flag.ExitOnError)
		setID := fs.Int64("set", 0, "target image set id")
		folderID := fs.Int64("folder", 0, "target folder id (optional)")
		fs.Parse(args[1:])
		if *setID == 0 || fs.NArg() == 0 {
			die("-set and at least one file are required")
		}
		folder := null.Int64{}
		if *folderID != 0 {
			folder = null.IntFrom(*folderID)
		}
		for _, path := range fs.Args() {
			image, err := client.UploadImage(ctx, path, *setID, folder)
			if err != nil {
				die("upload %s: %v", path, err)
			}
			fmt.Printf("Uploaded %s as image %d (status: %s)\n", path, image.ID, image.Status)
		}
	case "download":
		fs := flag.NewFlagSet("image download", flag.ExitOnError)
		id := fs.Int64("id", 0, "image id")
		fs.Parse(args[1:])
		if *id == 0 {
			die("-id is required")
		}
		location, err := client.ImageDownloadURL(ctx, *id)
		if err != nil {
			die("%v", err)
		}
		fmt.Println(location)
	case "delete":
		fs := flag.NewFlagSet("image delete", flag.ExitOnError)
		id := fs.Int64("id", 0, "image id")
		fs.Parse(args[1:])
		if *id == 0 {
			die("-id is required")
		}
		if err := client.DeleteImage(ctx, *id); err != nil {
			die("%v", err)
		}
		fmt.Printf("Deleted image %d\n", *id)
	default:
		usage()
	}
}

func runAnnotation(ctx context.Context, args []string) {
	if len(args) == 0 {
		usage()
	}
	client := newClient()
	switch args[0] {
	case "list":
		fs := flag.NewFlagSet("annotation list", flag.ExitOnError)
		imageID := fs.Int64("image", 0, "image id")
		fs.Parse(args[1:])
		if *imageID == 0 {
			die("-image is required")
		}
		annotations, err := client.Annotations(ctx, &concentriq.AnnotationFilters{ImageID: []int64{*imageID}})
		if err != nil {
			die("%v", err)
		}
		if jsonOutput {
			printJSON(annotations)
			return
		}
		table("ID\tSHAPE\tTEXT\tCOLOR\tCREATOR", func(w *tabwriter.Writer) {
			for _, a := range annotations {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", a.ID.ValueOrZero(), a.Shape, a.Text, a.Color, a.CreatorName.ValueOrZero())
			}
		})
	case "delete":
		fs := flag.NewFlagSet("annotation delete", flag.ExitOnError)
		id := fs.Int64("id", 0, "annotation id")
		fs.Parse(args[1:])
		if *id == 0 {
			die("-id is required")
		}
		if err := client.DeleteAnnotation(ctx, *id); err != nil {
			die("%v", err)
		}
		fmt.Printf("Deleted annotation %d\n", *id)
	case "export":
		fs := flag.NewFlagSet("annotation export", flag.ExitOnError)
		imageID := fs.Int64("image", 0, "image id")
		format := fs.String("format", "geojson", "export format: geojson or xml")
		out := fs.String("o", "", "output file (default stdout)")
		skip := fs.Bool("skip-unsupported", false, "skip annotations without a GeoJSON mapping")
		fs.Parse(args[1:])
		if *imageID == 0 {
			die("-image is required")
		}
		switch *format {
		case "geojson":
			features, err := client.ExportAnnotationsGeoJSON(ctx, *imageID, *skip)
			if err != nil {
				die("%v", err)
			}
			encoded, err := sonic.MarshalIndent(features, "", "  ")
			if err != nil {
				die("encode output: %v", err)
			}
			writeOutput(*out, encoded)
		case "xml":
			xmlText, err := client.ExportAnnotationsXML(ctx, *imageID)
			if err != nil {
				die("%v", err)
			}
			writeOutput(*out, []byte(xmlText))
		default:
			die("unknown format %q", *format)
		}
	case "import":
		fs := flag.NewFlagSet("annotation import", flag.ExitOnError)
		imageID := fs.Int64("image", 0, "image id")
		format := fs.String("format", "", "import format: geojson or xml (default: by file extension)")
		skip := fs.Bool("skip-errors", false, "skip features the server rejects")
		fs.Parse(args[1:])
		if *imageID == 0 || fs.NArg() != 1 {
			die("-image and exactly one file are required")
		}
		path := fs.Arg(0)
		f := *format
		if f == "" {
			if strings.HasSuffix(path, ".xml") {
				f = "xml"
			} else {
				f = "geojson"
			}
		}
		switch f {
		case "geojson":
			created, err := client.ImportAnnotationsGeoJSON(ctx, *imageID, path, *skip)
			if err != nil {
				die("%v", err)
			}
			fmt.Printf("Imported %d annotations onto image %d\n", len(created), *imageID)
		case "xml":
			if err := client.ImportAnnotationsXML(ctx, *imageID, path); err != nil {
				die("%v", err)
			}
			fmt.Printf("Imported annotations onto image %d\n", *imageID)
		default:
			die("unknown format %q", f)
		}
	default:
		usage()
	}
}

func writeOutput(path string, content []byte) {
	if path == "" {
		os.Stdout.Write(content)
		if len(content) > 0 && content[len(content)-1] != '\n' {
			fmt.Println()
		}
		return
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		die("%v", err)
	}
	fmt.Printf("Wrote %s\n", path)
}
