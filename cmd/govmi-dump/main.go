// Command govmi-dump pauses a guest, writes its physical memory to a file,
// and resumes it. It exists to exercise the library end to end; its
// behavior is not part of this module's correctness surface.
package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"

	"github.com/pkg/profile"

	"github.com/govmi/govmi"
	"github.com/govmi/govmi/api"
	"github.com/govmi/govmi/params"
)

func main() {
	fs := flag.NewFlagSet("govmi-dump", flag.ExitOnError)

	profileMode := fs.String("profile", "", "enable profiling: cpu, mem, or empty to disable")
	out := fs.String("o", "", "dump file path (default: <domain>.dump)")

	args, err := params.ParseFlags(fs, os.Args)
	if err != nil {
		log.Fatal(err)
	}

	switch *profileMode {
	case "cpu":
		defer profile.Start(profile.CPUProfile).Stop()
	case "mem":
		defer profile.Start(profile.MemProfile).Stop()
	case "":
	default:
		log.Fatalf("unknown -profile mode %q", *profileMode)
	}

	if args.VMName == "" {
		log.Fatal("govmi-dump: -domain is required")
	}

	driverType, err := args.DriverType()
	if err != nil {
		log.Fatal(err)
	}

	path := *out
	if path == "" {
		path = args.VMName + ".dump"
	}

	if err := dump(driverType, params.FromFlags(args), path); err != nil {
		log.Fatal(err)
	}
}

// dump pauses the guest, streams its physical address space through the
// padded memory view (so unmapped regions read as zero rather than aborting
// the dump), and resumes it before returning.
func dump(driverType *api.DriverType, p params.InitParams, path string) error {
	s, err := govmi.New(context.Background(), driverType, p)
	if err != nil {
		return err
	}
	defer s.Close()

	log.Print("pausing the VM")

	if err := s.Pause(); err != nil {
		return err
	}

	defer func() {
		log.Print("resuming the VM")

		if err := s.Resume(); err != nil {
			log.Printf("govmi-dump: resume failed: %v", err)
		}
	}()

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	maxAddr, err := s.Driver().GetMaxPhysicalAddr()
	if err != nil {
		return err
	}

	log.Printf("max address @%#x", maxAddr)
	log.Printf("dumping physical memory to %s", path)

	n, err := io.CopyN(f, s.PaddedMemory, int64(maxAddr))
	if err != nil && err != io.EOF {
		return err
	}

	log.Printf("wrote %d bytes", n)

	return nil
}
