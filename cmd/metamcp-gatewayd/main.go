// Command metamcp-gatewayd runs the MCP aggregating gateway.
package main

func main() {
	Execute()
}
