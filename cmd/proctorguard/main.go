package main

import "github.com/ppiankov/proctorguard/internal/cli"

func main() {
	cli.Execute()
}
