package cli

func regCommands() {
	//Upload
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(putCarCmd)
	rootCmd.AddCommand(packCmd)

	//Retrieval
	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(headCmd)
	rootCmd.AddCommand(getCmd)
}
