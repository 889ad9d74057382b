package main

import (
	"fmt"
	"io"
	"os"

	"Go2NetStreamer/internal/engine/protocol"
	"Go2NetStreamer/pkg/pcap"

	log "github.com/sirupsen/logrus"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run ./scripts/pcapana <path_to_pcap_file>")
		os.Exit(1)
	}
	source, err := pcap.Open(os.Args[1], pcap.DefaultSnapshotLength)
	if err != nil {
		log.Fatal(err)
	}
	defer source.Close()

	for i := 0; i < 5; {
		raw, err := source.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Fatal(err)
		}
		info, err := protocol.ParsePacket(raw)
		if err != nil {
			fmt.Println("Parse error:", err)
			continue
		}
		i++
		fmt.Printf("[%s] %s:%d -> %s:%d proto=%d vlan=%d len=%d\n",
			info.Timestamp.Format("15:04:05.000"),
			info.FiveTuple.SrcIP, info.FiveTuple.SrcPort,
			info.FiveTuple.DstIP, info.FiveTuple.DstPort,
			info.FiveTuple.Protocol, info.VLANID, info.Length,
		)
	}
}
