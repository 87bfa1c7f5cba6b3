// Command dslcopilot is the terminal front end of the DSL copilot.
package main

func main() {
	Execute()
}
