package question

// builtinCategories is the pool drawn from after the players' own suggestions
var builtinCategories = []string{
	"country",
	"city",
	"name only used for a pet",
	"school subject",
	"company",
	"job",
	"hockey team",
	"sports team mascot",
	"soccer league",
	"sports position",
	"famous athlete",
	"sport that uses a ball",
	"famous actor",
	"award winning movie",
	"job on the set of a movie",
	"movie based on a true story",
	"classic movie",
	"movie flop",
}

// BuiltinCategories returns a copy of the built-in pool
func BuiltinCategories() []string {
	return append([]string(nil), builtinCategories...)
}
