package main

import "github.com/ontimeapp/ontime/internal/cmd"

func main() {
	cmd.Execute()
}
