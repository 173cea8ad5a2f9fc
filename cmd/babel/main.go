// Command babel runs the engine orchestration service.
package main

import "github.com/seantiz/babel/internal/cli"

func main() {
	cli.Execute()
}
