package main

import "github.com/xingyingyuzhui/openclaw-QQ/cmd"

func main() {
	cmd.Execute()
}
