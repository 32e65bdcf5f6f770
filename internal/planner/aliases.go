package planner

// defaultAliases is the fixed nickname → canonical-name table. Keys are
// lowercase. Unlisted names resolve through the fuzzy fallback or pass
// through unchanged.
func defaultAliases() map[string]string {
	return map[string]string{
		"jon":                   "Jon Snow",
		"jon snow":              "Jon Snow",
		"the bastard of winterfell": "Jon Snow",
		"ned":                   "Eddard Stark",
		"ned stark":             "Eddard Stark",
		"eddard":                "Eddard Stark",
		"eddard stark":          "Eddard Stark",
		"dany":                  "Daenerys Targaryen",
		"daenerys":              "Daenerys Targaryen",
		"daenerys targaryen":    "Daenerys Targaryen",
		"khaleesi":              "Daenerys Targaryen",
		"the mother of dragons": "Daenerys Targaryen",
		"tyrion":                "Tyrion Lannister",
		"tyrion lannister":      "Tyrion Lannister",
		"the imp":               "Tyrion Lannister",
		"the halfman":           "Tyrion Lannister",
		"jaime":                 "Jaime Lannister",
		"jaime lannister":       "Jaime Lannister",
		"the kingslayer":        "Jaime Lannister",
		"cersei":                "Cersei Lannister",
		"cersei lannister":      "Cersei Lannister",
		"arya":                  "Arya Stark",
		"arya stark":            "Arya Stark",
		"sansa":                 "Sansa Stark",
		"sansa stark":           "Sansa Stark",
		"bran":                  "Bran Stark",
		"bran stark":            "Bran Stark",
		"the three-eyed raven":  "Bran Stark",
		"littlefinger":          "Petyr Baelish",
		"petyr":                 "Petyr Baelish",
		"petyr baelish":         "Petyr Baelish",
		"the spider":            "Varys",
		"varys":                 "Varys",
		"the hound":             "Sandor Clegane",
		"sandor":                "Sandor Clegane",
		"sandor clegane":        "Sandor Clegane",
		"the mountain":          "Gregor Clegane",
		"gregor clegane":        "Gregor Clegane",
		"joffrey":               "Joffrey Baratheon",
		"joffrey baratheon":     "Joffrey Baratheon",
		"robert":                "Robert Baratheon",
		"robert baratheon":      "Robert Baratheon",
		"stannis":               "Stannis Baratheon",
		"stannis baratheon":     "Stannis Baratheon",
		"robb":                  "Robb Stark",
		"robb stark":            "Robb Stark",
		"the young wolf":        "Robb Stark",
		"catelyn":               "Catelyn Stark",
		"catelyn stark":         "Catelyn Stark",
		"tywin":                 "Tywin Lannister",
		"tywin lannister":       "Tywin Lannister",
		"sam":                   "Samwell Tarly",
		"samwell":               "Samwell Tarly",
		"samwell tarly":         "Samwell Tarly",
		"brienne":               "Brienne of Tarth",
		"brienne of tarth":      "Brienne of Tarth",
		"the night king":        "Night King",
		"night king":            "Night King",
		"drogo":                 "Khal Drogo",
		"khal drogo":            "Khal Drogo",
		"theon":                 "Theon Greyjoy",
		"theon greyjoy":         "Theon Greyjoy",
		"reek":                  "Theon Greyjoy",
		"ramsay":                "Ramsay Bolton",
		"ramsay bolton":         "Ramsay Bolton",
		"ramsay snow":           "Ramsay Bolton",
		"melisandre":            "Melisandre",
		"the red woman":         "Melisandre",
		"hodor":                 "Hodor",
	}
}
