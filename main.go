package main

import "github.com/audiolibrelab/mqttcapture/cmd"

func main() {
	cmd.Execute()
}
