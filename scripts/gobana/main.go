package main

import (
	"fmt"
	"os"

	"Go2NetStreamer/internal/exporter/gobwriter"

	log "github.com/sirupsen/logrus"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run ./scripts/gobana <snapshot_dir>")
		os.Exit(1)
	}
	dir := os.Args[1]

	records, err := gobwriter.ReadSnapshot(dir)
	if err != nil {
		log.Fatalf("Failed to read snapshot: %v", err)
	}

	var packets, bytes uint64
	for _, rec := range records {
		fmt.Println(rec.Line())
		packets += rec.Packets()
		bytes += rec.Bytes()
	}
	fmt.Printf("Decoded %d flows, %d packets, %d bytes.\n", len(records), packets, bytes)
}
