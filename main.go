package main

import "previewcam/cmd"

func main() {
	cmd.Execute()
}
