package main

import (
	"flag"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"Go2NetStreamer/internal/pcaptest"
	"Go2NetStreamer/pkg/flow"

	"github.com/google/gopacket/layers"
	log "github.com/sirupsen/logrus"
)

func main() {
	outputFile := flag.String("o", "test.pcap", "Output pcap file path")
	flowCount := flag.Int("f", 100, "Number of conversations to generate")
	packetsPerFlow := flag.Int("n", 10, "Packets per conversation")
	gap := flag.Duration("gap", 100*time.Millisecond, "Capture time between two packets of a conversation")
	seed := flag.Int64("seed", 1, "Random seed")
	flag.Parse()

	rng := rand.New(rand.NewSource(*seed))
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	log.Printf("Generating %d conversations of %d packets into %s...", *flowCount, *packetsPerFlow, *outputFile)

	var packets []pcaptest.Packet
	for i := 0; i < *flowCount; i++ {
		client := fmt.Sprintf("10.%d.%d.%d", rng.Intn(256), rng.Intn(256), rng.Intn(254)+1)
		server := fmt.Sprintf("192.168.%d.%d", rng.Intn(256), rng.Intn(254)+1)
		clientPort := uint16(rng.Intn(65535-1024) + 1024)

		proto, serverPort := layers.IPProtocolTCP, uint16(443)
		if rng.Intn(3) == 0 {
			proto, serverPort = layers.IPProtocolUDP, 53
		}
		first := start.Add(time.Duration(rng.Int63n(int64(time.Minute))))

		for j := 0; j < *packetsPerFlow; j++ {
			p := pcaptest.Packet{
				Timestamp: first.Add(time.Duration(j) * *gap),
				SrcIP:     client,
				DstIP:     server,
				SrcPort:   clientPort,
				DstPort:   serverPort,
				Protocol:  proto,
				Payload:   make([]byte, rng.Intn(1400)+50),
			}
			if j%2 == 1 {
				p.SrcIP, p.DstIP = server, client
				p.SrcPort, p.DstPort = serverPort, clientPort
			}
			if proto == layers.IPProtocolTCP {
				p.Flags = flow.FlagACK
				if j == 0 {
					p.Flags = flow.FlagSYN
				}
			}
			rng.Read(p.Payload)
			packets = append(packets, p)
		}
	}

	// Conversations overlap, write them in capture order.
	sort.SliceStable(packets, func(i, j int) bool {
		return packets[i].Timestamp.Before(packets[j].Timestamp)
	})
	written, err := pcaptest.WriteFile(*outputFile, packets)
	if err != nil {
		log.Fatalf("Failed to write %s: %v", *outputFile, err)
	}
	log.Printf("Successfully generated %d packets (%d bytes) into %s.", len(packets), written, *outputFile)
}
