package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	cfb "github.com/mmhliton/go-cfb"
)

var (
	fs      = afero.NewOsFs()
	log     = zap.NewNop()
	verbose bool
)

// split separates "file.cfb:Inner/Path" into the compound file path and the
// path inside it.
func split(arg string) (string, string) {
	parts := strings.SplitN(arg, ":", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return parts[0], ""
}

func openFile(path string) (afero.File, *cfb.CompoundFile, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, nil, err
	}

	comp, err := cfb.Open(f, cfb.ValidationPermissive)
	if err != nil {
		f.Close()
		return nil, nil, err
	}

	log.Debug("opened compound file",
		zap.String("path", path),
		zap.Int("version", int(comp.Version())),
		zap.Int("sectorLen", comp.Version().SectorLen()))
	return f, comp, nil
}

func openFileReadWrite(path string) (afero.File, *cfb.CompoundFile, error) {
	f, err := fs.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, nil, err
	}

	comp, err := cfb.OpenReadWrite(f, cfb.ValidationPermissive)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return f, comp, nil
}

func humanLength(n uint64) string {
	switch {
	case n >= 10_000_000_000:
		return fmt.Sprintf("%d GB", n/(1<<30))
	case n >= 100_000_000:
		return fmt.Sprintf("%d MB", n/(1<<20))
	case n >= 1_000_000:
		return fmt.Sprintf("%d kB", n/(1<<10))
	default:
		return fmt.Sprintf("%d B ", n)
	}
}

func listEntry(name string, entry *cfb.Entry, long bool) {
	if !long {
		fmt.Println(entry.Name)
		return
	}

	typeFlag := '-'
	if entry.IsStorage() {
		typeFlag = '+'
	}

	lastModified := entry.Modified()
	if created := entry.Created(); created.After(lastModified) {
		lastModified = created
	}

	fmt.Printf("%c%08x   %10s   %s   %s\n",
		typeFlag, entry.StateBits, humanLength(entry.StreamLen),
		lastModified.Format("2006-01-02"), name)
	if entry.IsStorage() {
		fmt.Printf(" %s\n", entry.CLSID)
	}
}

func listDirectory(comp *cfb.CompoundFile, name string, entry *cfb.Entry, indent string) error {
	fmt.Printf("%s%s\n", indent, name)
	if !entry.IsStorage() {
		return nil
	}

	entries, err := comp.Walk(entry.Path)
	if err != nil {
		return err
	}
	for {
		sub, err := entries.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if err := listDirectory(comp, sub.Name, sub, indent+"  "); err != nil {
			return err
		}
	}
	return nil
}

func runLs(long, all bool, args []string) error {
	for _, arg := range args {
		filePath, innerPath := split(arg)
		f, comp, err := openFile(filePath)
		if err != nil {
			return err
		}

		err = func() error {
			entry, err := comp.Entry(innerPath)
			if err != nil {
				return err
			}

			if entry.IsStream() {
				listEntry(entry.Name, entry, long)
				return nil
			}

			if all {
				return listDirectory(comp, entry.Name, entry, "")
			}

			entries, err := comp.Walk(innerPath)
			if err != nil {
				return err
			}
			for {
				sub, err := entries.Next()
				if err == io.EOF {
					return nil
				}
				if err != nil {
					return err
				}
				listEntry(sub.Name, sub, long)
			}
		}()
		f.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func runCat(args []string) error {
	for _, arg := range args {
		filePath, innerPath := split(arg)
		f, comp, err := openFile(filePath)
		if err != nil {
			return err
		}

		stream, err := comp.OpenStream(innerPath)
		if err == nil {
			_, err = io.Copy(os.Stdout, stream)
		}
		f.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// runCreate writes the documented test payload into a newly created stream:
// [u32 string length]["Hello"][i32 123][f32 45.67][f64 89.1011], all little
// endian.
func runCreate(filePath, innerPath, streamName string) error {
	f, comp, err := openFileReadWrite(filePath)
	if err != nil {
		return err
	}
	defer f.Close()

	entry, err := comp.Entry(innerPath)
	if err != nil {
		return err
	}
	if !entry.IsStorage() {
		return fmt.Errorf("not a storage: %s", innerPath)
	}

	streamPath := entry.Path
	if !strings.HasSuffix(streamPath, "/") {
		streamPath += "/"
	}
	streamPath += streamName

	stream, err := comp.CreateStream(streamPath)
	if err != nil {
		return err
	}

	text := "Hello"
	payload := make([]byte, 0, 4+len(text)+4+4+8)
	payload = binary.LittleEndian.AppendUint32(payload, uint32(len(text)))
	payload = append(payload, text...)
	payload = binary.LittleEndian.AppendUint32(payload, uint32(int32(123)))
	payload = binary.LittleEndian.AppendUint32(payload, math.Float32bits(45.67))
	payload = binary.LittleEndian.AppendUint64(payload, math.Float64bits(89.1011))

	if _, err := stream.Write(payload); err != nil {
		return err
	}
	if err := comp.Flush(); err != nil {
		return err
	}

	fmt.Printf("Successfully created stream '%s' in '%s'\n", streamName, filePath)
	return nil
}

func runChcls(clsid uuid.UUID, args []string) error {
	for _, arg := range args {
		filePath, innerPath := split(arg)
		f, comp, err := openFileReadWrite(filePath)
		if err != nil {
			return err
		}

		err = comp.SetCLSID(innerPath, clsid)
		if err == nil {
			err = comp.Flush()
		}
		f.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func main() {
	root := &cobra.Command{
		Use:           "cfbtool",
		Short:         "Inspect and modify compound files",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				logger, err := zap.NewDevelopment()
				if err == nil {
					log = logger
				}
			}
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	var lsLong, lsAll bool
	lsCmd := &cobra.Command{
		Use:   "ls [--long] [--all] <file>:<inner-path>...",
		Short: "Lists storage contents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLs(lsLong, lsAll, args)
		},
	}
	lsCmd.Flags().BoolVarP(&lsLong, "long", "l", false, "lists in long format")
	lsCmd.Flags().BoolVarP(&lsAll, "all", "a", false, "recurses into storages")

	catCmd := &cobra.Command{
		Use:   "cat <file>:<inner-path>...",
		Short: "Concatenates and prints streams",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCat(args)
		},
	}

	var createFilePath, createInnerPath, createStreamName string
	createCmd := &cobra.Command{
		Use:   "create --file-path <file> --inner-path <storage> --stream-name <name>",
		Short: "Creates a new stream with predefined values",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCreate(createFilePath, createInnerPath, createStreamName)
		},
	}
	createCmd.Flags().StringVar(&createFilePath, "file-path", "", "path to the compound file")
	createCmd.Flags().StringVar(&createInnerPath, "inner-path", "", "path to the storage inside the compound file")
	createCmd.Flags().StringVar(&createStreamName, "stream-name", "", "name for the new stream")
	createCmd.MarkFlagRequired("file-path")
	createCmd.MarkFlagRequired("inner-path")
	createCmd.MarkFlagRequired("stream-name")

	chclsCmd := &cobra.Command{
		Use:   "chcls <uuid> <file>:<storage>...",
		Short: "Changes storage CLSIDs",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			clsid, err := uuid.Parse(args[0])
			if err != nil {
				return err
			}
			return runChcls(clsid, args[1:])
		},
	}

	root.AddCommand(lsCmd, catCmd, createCmd, chclsCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "cfbtool:", err)
		os.Exit(1)
	}
}
