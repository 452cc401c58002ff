package reply

import (
	"hash/fnv"
	"math/rand/v2"
	"strings"
)

// Template families keyed by intent. Placeholders: {name}, {player}, {memory}, {scene}.
var templates = map[string][]string{
	"confess": {
		"I appreciate you telling me, {player}. I still remember: {memory}",
		"Honesty suits you. Mind you, I haven't forgotten: {memory}",
		"Well, that's a weight off. Though I recall {memory}",
	},
	"deny": {
		"Deny it all you like, {player}. I remember: {memory}",
		"Don't play innocent with me. {memory}",
		"Funny, that's not how I remember it. {memory}",
	},
	"ask_favor": {
		"A favor? After this: {memory} ...We'll see.",
		"You want something from {name}? Remember: {memory}",
		"Maybe. {memory} That counts for something.",
	},
	"gift_help": {
		"For me? That's kind, {player}. Like the time {memory}",
		"You keep surprising me. I remember {memory}",
		"Thank you. I won't forget this, same as {memory}",
	},
	"threaten": {
		"Careful, {player}. I remember {memory}",
		"You don't scare me. Not after {memory}",
		"Threats won't work here. {memory}",
	},
	"default": {
		"Ah, {player}. {memory}",
		"Good to see you again. {memory}",
		"Back again? I remember: {memory}",
	},
}

var strangerTemplates = []string{
	"I don't believe we've met, stranger.",
	"Do I know you? Can't say I do.",
	"New face around here. What do you want?",
}

// RenderTemplate returns a reply chosen deterministically from the intent's
// family. Identical inputs always produce the same text. An empty memory
// selects a stranger greeting.
func RenderTemplate(name, player, scene, intent, memoryText string) string {
	rng := seededRand(name, scene, memoryText, intent)

	if memoryText == "" {
		return strangerTemplates[rng.IntN(len(strangerTemplates))]
	}

	family, ok := templates[intent]
	if !ok {
		family = templates["default"]
	}
	tpl := family[rng.IntN(len(family))]

	if player == "" {
		player = "friend"
	}
	return strings.NewReplacer(
		"{name}", name,
		"{player}", player,
		"{memory}", memoryText,
		"{scene}", scene,
	).Replace(tpl)
}

// seededRand is a non-cryptographic PRNG keyed by FNV-64a of the joined inputs.
func seededRand(parts ...string) *rand.Rand {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.Join(parts, "|")))
	seed := h.Sum64()
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}
