// Command fleet runs federated learning experiments over an
// emulated network.
package main

func main() {
	Execute()
}
