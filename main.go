package main

import "s5proxy/s5/cmd"

func main() {
	cmd.Run()
}
