package main

import (
	"fmt"
	"io/ioutil"
	"os"

	"github.com/dsoprea/go-logging"
	"github.com/jessevdk/go-flags"

	"github.com/dsoprea/go-fcb"
)

type rootParameters struct {
	Filepath     string `short:"f" long:"filepath" description:"File-path of flash image" required:"true"`
	SectorSize   uint32 `short:"s" long:"sector-size" description:"Sector size in bytes" default:"65536"`
	FirstSector  uint32 `long:"first-sector" description:"First owned sector" default:"0"`
	LastSector   int64  `long:"last-sector" description:"Last owned sector (-1 for the last sector of the device)" default:"-1"`
	Data         string `short:"d" long:"data" description:"Payload to append"`
	DataFilepath string `short:"i" long:"input-filepath" description:"File to read the payload from ('-' for STDIN)"`
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

	var data []byte

	if rootArguments.DataFilepath == "-" {
		data, err = ioutil.ReadAll(os.Stdin)
		log.PanicIf(err)
	} else if rootArguments.DataFilepath != "" {
		data, err = ioutil.ReadFile(rootArguments.DataFilepath)
		log.PanicIf(err)
	} else {
		data = []byte(rootArguments.Data)
	}

	if len(data) == 0 {
		fmt.Printf("No payload given.\n")
		os.Exit(2)
	}

	f, err := os.Open(rootArguments.Filepath)
	log.PanicIf(err)

	mf, err := fcb.NewMemoryFlashFromReader(f, rootArguments.SectorSize)
	log.PanicIf(err)

	f.Close()

	lastSector := uint32(rootArguments.LastSector)
	if rootArguments.LastSector < 0 {
		lastSector = mf.SectorCount() - 1
	}

	cb, err := fcb.NewFcb(mf, rootArguments.FirstSector, lastSector)
	log.PanicIf(err)

	err = cb.Mount()
	log.PanicIf(err)

	err = cb.Append(data)
	if err == fcb.ErrRingFull {
		fmt.Printf("Ring is full.\n")
		os.Exit(3)
	}

	log.PanicIf(err)

	g, err := os.Create(rootArguments.Filepath)
	log.PanicIf(err)

	defer g.Close()

	_, err = mf.WriteTo(g)
	log.PanicIf(err)

	fmt.Printf("(%d) bytes appended at (0x%08x).\n", len(data), cb.WriteAddr()-fcb.ItemKeySize-uint32(len(data)))
}
