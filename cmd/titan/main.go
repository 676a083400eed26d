// Command titan manages versioned data volumes.
package main

import "github.com/titan-data/titan/internal/cli"

func main() {
	cli.Execute()
}
