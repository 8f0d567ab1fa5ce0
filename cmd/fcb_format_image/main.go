package main

import (
	"fmt"
	"os"

	"github.com/dsoprea/go-logging"
	"github.com/jessevdk/go-flags"

	"github.com/dsoprea/go-fcb"
)

type rootParameters struct {
	Filepath    string `short:"f" long:"filepath" description:"File-path of flash image to create" required:"true"`
	SectorSize  uint32 `short:"s" long:"sector-size" description:"Sector size in bytes" default:"65536"`
	SectorCount uint32 `short:"c" long:"sector-count" description:"Number of sectors" default:"64"`
}

var (
	rootArguments = new(rootParameters)
)

func main() {
	defer func() {
		if state := recover(); state != nil {
			err := log.Wrap(state.(error))
			log.PrintError(err)
			os.Exit(-1)
		}
	}()

	p := flags.NewParser(rootArguments, flags.Default)

	_, err := p.Parse()
	if err != nil {
		os.Exit(1)
	}

	mf := fcb.NewMemoryFlash(rootArguments.SectorSize, rootArguments.SectorCount)

	g, err := os.Create(rootArguments.Filepath)
	log.PanicIf(err)

	defer g.Close()

	_, err = mf.WriteTo(g)
	log.PanicIf(err)

	fmt.Printf("(%d) sectors of (%d) bytes written.\n", rootArguments.SectorCount, rootArguments.SectorSize)
}
