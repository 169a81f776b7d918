package cmd

import "github.com/blacktop/sdxly/internal/controller"

type tuiConfig struct {
	Prompt       string
	OutputFolder string
}

// viewMsg carries a new controller projection into the TUI.
type viewMsg controller.View

// submittedMsg is the result of a Submit call.
type submittedMsg struct {
	err error
}

// savedMsg is the result of writing the current images to disk.
type savedMsg struct {
	paths []string
	err   error
}

// examplePrompts are cycled into the prompt input with tab.
var examplePrompts = []string{
	"Being out in a misty forest at sunrise and seeing a fox.",
	"Riding a horse through a rainbow.",
	"A room with a door and it was dark.",
	"Fluffy and cute spiders, snake and grasshoppers.",
	"Horses in a pasture with barns.",
	"My body being scanned and white light coming in to heal me.",
	"lot of lights and colors...green and purple and shapes and designs that danced to the music",
	"A chest of drawers full of black sludge",
	"I was on a track that ran around the outside of a large, disc-shaped structure. The track had a curving roof, and a solid fence on the outside; the walls and the fence were red, and beyond them was an amorphous, reddish space.",
}
