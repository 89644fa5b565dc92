package main

import "github.com/andresmejia3/facematch/cmd"

func main() {
	cmd.Execute()
}
